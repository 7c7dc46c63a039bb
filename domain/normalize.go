package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

const (
	fallbackTitleLen  = 50
	untitledTask      = "Untitled task"
	defaultAIResponse = "Task has been created for you."
)

// Extraction is a complete, repaired task record derived from model output.
type Extraction struct {
	Title        string
	Description  string
	Priority     Priority
	DueDate      *time.Time
	Category     Category
	Integrations []string
	AIResponse   string
	// Raw is the model output as received, kept for audit.
	Raw string
	// Fallback is set when the output could not be parsed at all.
	Fallback bool
	ParseErr error
}

// Task builds a new pending task from the extraction.
func (e Extraction) Task(userID string, source Source, now time.Time) Task {
	if !source.Valid() {
		source = SourceText
	}
	now = now.UTC()
	return Task{
		UserID:      userID,
		Title:       e.Title,
		Description: e.Description,
		Priority:    e.Priority,
		DueDate:     e.DueDate,
		Status:      StatusPending,
		Source:      source,
		Category:    e.Category,
		AIContext:   e.Raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Normalize turns raw model output into a complete record. It never fails:
// unparseable output yields a fallback built from originalText, and every
// field of a parsed object is repaired on its own.
func Normalize(raw, originalText string) (ext Extraction) {
	defer func() {
		if r := recover(); r != nil {
			ext = fallbackExtraction(raw, originalText, fmt.Errorf("panic while normalizing: %v", r))
		}
	}()

	var decoded any
	if err := sonic.ConfigStd.UnmarshalFromString(stripCodeFence(raw), &decoded); err != nil {
		return fallbackExtraction(raw, originalText, err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return fallbackExtraction(raw, originalText, errors.New("top-level value is not an object"))
	}

	ext = Extraction{
		Category:     normalizeCategory(obj["category"]),
		Priority:     normalizePriority(obj["priority"]),
		DueDate:      normalizeDueDate(obj["due_date"]),
		Integrations: normalizeIntegrations(obj["integrations"]),
		Raw:          raw,
	}

	if title := stringField(obj, "title"); title != "" {
		ext.Title = withCategoryPrefix(title, ext.Category)
	} else {
		ext.Title = fallbackTitle(originalText)
	}
	ext.Description = stringField(obj, "description")
	if ext.Description == "" {
		ext.Description = fallbackDescription(originalText)
	}
	ext.AIResponse = stringField(obj, "ai_response")
	if ext.AIResponse == "" {
		ext.AIResponse = defaultAIResponse
	}
	return ext
}

func fallbackExtraction(raw, originalText string, err error) Extraction {
	return Extraction{
		Title:        fallbackTitle(originalText),
		Description:  fallbackDescription(originalText),
		Priority:     PriorityMedium,
		Category:     CategoryGeneral,
		Integrations: []string{},
		AIResponse:   defaultAIResponse,
		Raw:          raw,
		Fallback:     true,
		ParseErr:     &ParseError{Raw: raw, Err: err},
	}
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}

func fallbackTitle(originalText string) string {
	text := strings.TrimSpace(originalText)
	if text == "" {
		return untitledTask
	}
	if utf8.RuneCountInString(text) <= fallbackTitleLen {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:fallbackTitleLen]))
}

func fallbackDescription(originalText string) string {
	return fmt.Sprintf("Task created from: %q", strings.TrimSpace(originalText))
}

func withCategoryPrefix(title string, c Category) string {
	prefix := string(c) + ":"
	if strings.HasPrefix(strings.ToLower(title), strings.ToLower(prefix)) {
		return title
	}
	return prefix + " " + title
}

func normalizePriority(v any) Priority {
	s, _ := v.(string)
	if p := Priority(s); p.Valid() {
		return p
	}
	return PriorityMedium
}

func normalizeCategory(v any) Category {
	s, _ := v.(string)
	if c := Category(s); c.Valid() {
		return c
	}
	return CategoryGeneral
}

// ParseDueDate reads an absolute instant. Values without an offset are not
// absolute and are rejected.
func ParseDueDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func normalizeDueDate(v any) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	t, ok := ParseDueDate(s)
	if !ok {
		return nil
	}
	return &t
}

func normalizeIntegrations(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
