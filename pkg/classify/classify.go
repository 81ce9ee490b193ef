// Copyright 2024-2026 Aiku AI

// Package classify decides whether message text carries a link.
package classify

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/purell"
)

// Verdict is the result of classifying a message.
type Verdict int

const (
	NoLink Verdict = iota
	ContainsLink
)

func (v Verdict) String() string {
	if v == ContainsLink {
		return "contains_link"
	}
	return "no_link"
}

// linkRegex matches explicit http(s):// or www. tokens and bare domain-like
// runs (label.label... with a final label of 2+ letters), optionally
// followed by a path.
var linkRegex = regexp.MustCompile(`(?i)(?:https?://|www\.)\S+|(?:[a-z0-9-]+\.)+[a-z]{2,}(?:/\S*)?`)

// Classify returns ContainsLink if text has at least one link anywhere.
func Classify(text string) Verdict {
	if text == "" {
		return NoLink
	}
	if linkRegex.MatchString(text) {
		return ContainsLink
	}
	return NoLink
}

// Links returns every non-overlapping link in text, normalized for logging.
// Matches that cannot be parsed as URLs are returned as-is.
func Links(text string) []string {
	matches := linkRegex.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, normalize(m))
	}
	return out
}

func normalize(raw string) string {
	candidate := raw
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		candidate = "http://" + raw
	}
	clean, err := purell.NormalizeURLString(candidate, purell.FlagsSafe|purell.FlagRemoveFragment)
	if err != nil {
		return raw
	}
	return clean
}
