// Package handlers exposes the risk core over JSON HTTP for the chat and
// friends services and the admin reporting surface.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"lumachat/internal/database/boltstore"
	"lumachat/internal/risk"

	"github.com/rs/zerolog/log"
)

// Handler holds the dependencies for all HTTP endpoints, injected via the
// constructor. There is no package-level state.
type Handler struct {
	engine   *risk.Engine
	messages *boltstore.MessageStore
}

// NewHandler creates a handler with all dependencies.
func NewHandler(engine *risk.Engine, messages *boltstore.MessageStore) *Handler {
	return &Handler{engine: engine, messages: messages}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}

func limitParam(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// ========== Scoring ==========

type scoreTextRequest struct {
	SenderUID  string `json:"sender_uid"`
	TargetUID  string `json:"target_uid"`
	TargetType string `json:"target_type"`
	Text       string `json:"text"`
	Record     bool   `json:"record"`
}

// HandleScoreText scores one outgoing message and, when asked, persists the
// decision. Scoring never fails the send: invalid input yields an
// unavailable result, not an error status.
func (h *Handler) HandleScoreText(w http.ResponseWriter, r *http.Request) {
	var req scoreTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	tt := risk.TargetType(req.TargetType)

	res := h.engine.ScoreOutgoingText(r.Context(), req.SenderUID, req.TargetUID, tt, req.Text)

	if req.Record {
		_, err := h.engine.RecordDecision(r.Context(), res, risk.DecisionContext{
			ActorUID:   req.SenderUID,
			SubjectUID: req.SenderUID,
			TargetUID:  req.TargetUID,
			TargetType: tt,
			Channel:    risk.ChannelChatSend,
		})
		if err != nil {
			log.Warn().Err(err).Str("sender", req.SenderUID).Msg("handlers: failed to record chat decision")
		}
	}

	writeJSON(w, http.StatusOK, res)
}

type scoreFriendAddRequest struct {
	ActorUID        string `json:"actor_uid"`
	TargetUID       string `json:"target_uid"`
	PendingOutgoing int    `json:"pending_outgoing"`
	Record          bool   `json:"record"`
}

// HandleScoreFriendAdd scores one friend-add action, appends it to the
// attempt history, and optionally persists the decision.
func (h *Handler) HandleScoreFriendAdd(w http.ResponseWriter, r *http.Request) {
	var req scoreFriendAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	res := h.engine.ScoreFriendAdd(r.Context(), risk.ActorInfo{
		UID:             req.ActorUID,
		PendingOutgoing: req.PendingOutgoing,
	}, req.TargetUID)

	if res.Available {
		if err := h.engine.RecordFriendAddAttempt(r.Context(), req.ActorUID, req.TargetUID, "sent"); err != nil {
			log.Warn().Err(err).Str("actor", req.ActorUID).Msg("handlers: failed to record friend-add attempt")
		}
	}

	if req.Record {
		_, err := h.engine.RecordDecision(r.Context(), res, risk.DecisionContext{
			ActorUID:   req.ActorUID,
			SubjectUID: req.ActorUID,
			TargetUID:  req.TargetUID,
			TargetType: risk.TargetUser,
			Channel:    risk.ChannelFriendsAdd,
		})
		if err != nil {
			log.Warn().Err(err).Str("actor", req.ActorUID).Msg("handlers: failed to record friend-add decision")
		}
	}

	writeJSON(w, http.StatusOK, res)
}

// ========== Profiles ==========

// HandleProfile serves the cached conversation risk profile.
func (h *Handler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	viewer := q.Get("viewer_uid")
	target := q.Get("target_uid")
	tt := risk.TargetType(q.Get("target_type"))

	profile, err := h.engine.GetConversationProfile(r.Context(), viewer, target, tt)
	if err != nil {
		log.Error().Err(err).Str("viewer", viewer).Str("target", target).Msg("handlers: profile unavailable")
		writeError(w, "Profile unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type ignoreRequest struct {
	ActorUID   string `json:"actor_uid"`
	TargetUID  string `json:"target_uid"`
	TargetType string `json:"target_type"`
	Reason     string `json:"reason"`
	TTLHours   int    `json:"ttl_hours"`
}

// HandleIgnore mutes the risk warning for a conversation.
func (h *Handler) HandleIgnore(w http.ResponseWriter, r *http.Request) {
	var req ignoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	entry, err := h.engine.Ignore(r.Context(), req.ActorUID, req.TargetUID, risk.TargetType(req.TargetType), req.Reason, req.TTLHours)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type appealRequest struct {
	ActorUID   string            `json:"actor_uid"`
	TargetUID  string            `json:"target_uid"`
	TargetType string            `json:"target_type"`
	Reason     string            `json:"reason"`
	Context    map[string]string `json:"context"`
}

// HandleAppeal records a user dispute of a risk decision.
func (h *Handler) HandleAppeal(w http.ResponseWriter, r *http.Request) {
	var req appealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	appeal, err := h.engine.SubmitAppeal(r.Context(), req.ActorUID, req.TargetUID, risk.TargetType(req.TargetType), req.Reason, req.Context)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, appeal)
}

// ========== Message ingestion ==========

type appendMessageRequest struct {
	SenderUID  string `json:"sender_uid"`
	TargetUID  string `json:"target_uid"`
	TargetType string `json:"target_type"`
	Text       string `json:"text"`
}

// HandleAppendMessage indexes one chat message so the windowed risk queries
// see it. The chat transport calls this on every delivered text message.
func (h *Handler) HandleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req appendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	tt := risk.TargetType(req.TargetType)
	if req.SenderUID == "" || req.TargetUID == "" || !tt.Valid() || req.Text == "" {
		writeError(w, "Missing fields", http.StatusBadRequest)
		return
	}
	if err := h.messages.AppendMessage(r.Context(), tt, req.SenderUID, req.TargetUID, req.Text, time.Now()); err != nil {
		log.Error().Err(err).Msg("handlers: failed to index message")
		writeError(w, "Storage failure", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ========== Admin surface ==========

// HandleAdminDecisions lists the newest ledger entries.
func (h *Handler) HandleAdminDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := h.engine.RecentDecisionList(r.Context(), limitParam(r, 50, 500))
	if err != nil {
		writeError(w, "Ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

// HandleAdminAppeals lists the newest appeals.
func (h *Handler) HandleAdminAppeals(w http.ResponseWriter, r *http.Request) {
	appeals, err := h.engine.RecentAppealList(r.Context(), limitParam(r, 50, 500))
	if err != nil {
		writeError(w, "Ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, appeals)
}

// HandleAdminStats serves aggregate counts by level, channel and tag.
func (h *Handler) HandleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context(), limitParam(r, 1000, 5000))
	if err != nil {
		writeError(w, "Ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleHealthz is the liveness probe.
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
