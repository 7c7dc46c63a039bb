package domain

import (
	"regexp"
	"strings"
)

const (
	completedMarker = "[Completed]"
	cancelledMarker = "[Cancelled]"
)

var markerPattern = regexp.MustCompile(`^(?:\[(?:Completed|Cancelled)\]\s*)+`)

// MarkTitle relabels a mirrored title for the given status. Leading markers
// are stripped first so applying it repeatedly yields the same title.
func MarkTitle(title string, status Status) string {
	base := strings.TrimSpace(markerPattern.ReplaceAllString(strings.TrimSpace(title), ""))
	switch status {
	case StatusCompleted:
		return completedMarker + " " + base
	case StatusCancelled:
		return cancelledMarker + " " + base
	default:
		return base
	}
}

var notesStatusNames = map[Status]string{
	StatusPending:    "Not started",
	StatusInProgress: "In progress",
	StatusCompleted:  "Done",
	StatusCancelled:  "Cancelled",
}

// NotesStatusName maps a task status onto the notes workspace status option.
func NotesStatusName(s Status) string {
	if name, ok := notesStatusNames[s]; ok {
		return name
	}
	return notesStatusNames[StatusPending]
}
