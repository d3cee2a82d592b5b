// File: internal/receiving/classify.go
package receiving

import (
	"strings"

	"github.com/quayside/rfdriver/internal/config"
)

// DialogVerdict is the closed classification of a dialog's text.
type DialogVerdict int

const (
	// NoDialog means the dialog region rendered no text.
	NoDialog DialogVerdict = iota
	// DialogWarning is acknowledged and the step retried once.
	DialogWarning
	// DialogRejection fails the current line without retry.
	DialogRejection
	// DialogUnrecognized is treated like a rejection but flagged for pattern
	// review; the classifier's pattern lists grow from these.
	DialogUnrecognized
)

func (v DialogVerdict) String() string {
	switch v {
	case NoDialog:
		return "none"
	case DialogWarning:
		return "warning"
	case DialogRejection:
		return "rejection"
	default:
		return "unrecognized"
	}
}

// DialogClassifier matches dialog text against configured pattern lists.
// Pattern data stays external so new terminal messages are a config change,
// not a code change.
type DialogClassifier struct {
	warnings   []string
	rejections []string
}

// NewDialogClassifier builds a classifier from configuration. Patterns are
// matched as case-insensitive substrings.
func NewDialogClassifier(cfg config.DialogsConfig) *DialogClassifier {
	return &DialogClassifier{
		warnings:   lowerAll(cfg.WarningPatterns),
		rejections: lowerAll(cfg.RejectionPatterns),
	}
}

// Classify maps dialog text to a verdict. Rejection patterns win over
// warning patterns when both match: failing a line is safer than
// acknowledging an error the terminal meant seriously.
func (c *DialogClassifier) Classify(text string) DialogVerdict {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	if trimmed == "" {
		return NoDialog
	}
	for _, pattern := range c.rejections {
		if strings.Contains(trimmed, pattern) {
			return DialogRejection
		}
	}
	for _, pattern := range c.warnings {
		if strings.Contains(trimmed, pattern) {
			return DialogWarning
		}
	}
	return DialogUnrecognized
}

func lowerAll(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = strings.ToLower(p)
	}
	return out
}
