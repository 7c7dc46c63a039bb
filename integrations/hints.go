package integrations

import (
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"talk2task/domain"
)

// minHintScore is the fuzzy ratio a hint needs to match an alias.
const minHintScore = 80

var platformAliases = map[domain.Platform][]string{
	domain.PlatformGoogleCalendar: {
		"google_calendar", "google calendar", "googlecalendar", "calendar", "gcal", "google",
	},
	domain.PlatformNotion: {
		"notion", "notes", "notes-workspace", "notes workspace", "workspace", "notion workspace",
	},
}

// CanonicalHints maps free-form integration hints onto supported platforms.
// Order is preserved, duplicates and unknown hints are dropped.
func CanonicalHints(hints []string) []domain.Platform {
	out := make([]domain.Platform, 0, len(hints))
	seen := make(map[domain.Platform]struct{}, len(hints))
	for _, h := range hints {
		p, ok := CanonicalPlatform(h)
		if !ok {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// CanonicalPlatform resolves a single hint.
func CanonicalPlatform(hint string) (domain.Platform, bool) {
	h := strings.ToLower(strings.TrimSpace(hint))
	if h == "" {
		return "", false
	}
	if p := domain.Platform(h); p.Valid() {
		return p, true
	}
	best, bestScore := domain.Platform(""), 0
	for _, p := range domain.Platforms() {
		for _, alias := range platformAliases[p] {
			if h == alias {
				return p, true
			}
			if score := fuzzy.Ratio(h, alias); score > bestScore {
				best, bestScore = p, score
			}
		}
	}
	if bestScore >= minHintScore {
		return best, true
	}
	return "", false
}
