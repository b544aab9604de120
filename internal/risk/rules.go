package risk

import (
	"net"
	"regexp"
	"strings"
)

// The rule engine is pure and stateless: text in, tags and evidence out.
// All heuristics here are deterministic; there is no model inference.

var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"'\x60]+`)

// Known URL shorteners. A shortened link in chat hides its destination,
// which is the canonical malicious-link delivery shape.
var shortenerHosts = map[string]bool{
	"bit.ly":      true,
	"tinyurl.com": true,
	"t.co":        true,
	"goo.gl":      true,
	"is.gd":       true,
	"cutt.ly":     true,
	"rb.gy":       true,
	"shorturl.at": true,
	"ow.ly":       true,
	"rebrand.ly":  true,
}

// TLDs with disproportionate abuse rates in link spam.
var suspiciousTLDs = map[string]bool{
	"top":   true,
	"xyz":   true,
	"click": true,
	"link":  true,
	"cam":   true,
	"loan":  true,
	"win":   true,
	"vip":   true,
	"icu":   true,
	"rest":  true,
	"cyou":  true,
	"tk":    true,
	"ml":    true,
	"cf":    true,
	"gq":    true,
	"ga":    true,
}

// Substrings that phishing hosts impersonate.
var suspiciousHostWords = []string{
	"wallet", "verify", "gift", "bonus", "promo", "airdrop", "support",
}

// Closed keyword list for advertising / solicitation spam.
var adKeywords = []string{
	"free money", "limited offer", "act now", "click here", "earn daily",
	"guaranteed returns", "investment returns", "crypto giveaway", "casino",
	"promo code", "discount code", "wholesale prices", "work from home",
	"telegram group", "whatsapp group", "adult content",
}

const snippetLimit = 80

// InspectText runs the link and ad-spam heuristics over a single message.
// It is pure: identical input always yields identical tags and evidence.
// Empty or whitespace-only input returns empty results.
func InspectText(text string) ([]string, []Evidence) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var tags []string
	var evidence []Evidence

	for _, raw := range urlPattern.FindAllString(text, -1) {
		host := hostOf(raw)
		if host == "" {
			continue
		}
		if reason := suspiciousHost(host); reason != "" {
			tags = appendTag(tags, TagMaliciousLink)
			evidence = appendEvidence(evidence, Evidence{
				Rule:        TagMaliciousLink,
				Kind:        "link",
				Description: "suspicious link host (" + reason + ")",
				Snippet:     snippet(raw),
			})
		}
	}

	lower := strings.ToLower(text)
	var matched []string
	for _, kw := range adKeywords {
		if strings.Contains(lower, kw) {
			matched = append(matched, kw)
		}
	}
	if len(matched) > 0 {
		tags = appendTag(tags, TagAdsSpam)
		evidence = appendEvidence(evidence, Evidence{
			Rule:        TagAdsSpam,
			Kind:        "keyword",
			Description: "ad/spam keywords matched",
			Snippet:     snippet(strings.Join(matched, ", ")),
		})
	}

	return tags, evidence
}

// hostOf extracts the lowercase host from a matched URL, tolerating the
// scheme-less "www." form and trailing punctuation from sentence context.
func hostOf(raw string) string {
	s := strings.ToLower(strings.TrimRight(raw, ".,;:!?)"))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	for _, sep := range []string{"/", "?", "#"} {
		if i := strings.Index(s, sep); i >= 0 {
			s = s[:i]
		}
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	return s
}

// suspiciousHost returns a short reason when the host trips a heuristic,
// or "" when it looks benign.
func suspiciousHost(host string) string {
	if shortenerHosts[strings.TrimPrefix(host, "www.")] {
		return "url shortener"
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return "ip literal"
	}
	labels := strings.Split(host, ".")
	for _, l := range labels {
		if strings.HasPrefix(l, "xn--") {
			return "punycode host"
		}
	}
	if len(labels) >= 2 && suspiciousTLDs[labels[len(labels)-1]] {
		return "suspicious tld"
	}
	for _, w := range suspiciousHostWords {
		if strings.Contains(host, w) {
			return "suspicious host keyword"
		}
	}
	return ""
}

func snippet(s string) string {
	if len(s) > snippetLimit {
		return s[:snippetLimit]
	}
	return s
}
