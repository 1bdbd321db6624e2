package transcript

import "strings"

// DefaultExitPhrases are the phrases that end a call when the caller says them.
var DefaultExitPhrases = []string{"谢谢", "thank you", "thanks", "bye", "goodbye", "再见"}

// ExitDetector reports whether a caller utterance contains a closing phrase.
//
// Matching is case-insensitive and substring based, so "Ok, Thank You!"
// matches "thank you" and "Thanksgiving plans" matches "thanks". The second
// is a known false positive and is kept deliberately.
//
// An ExitDetector is immutable and safe for concurrent use.
type ExitDetector struct {
	phrases []string
}

// NewExitDetector returns a detector for phrases. Empty phrases are ignored.
// With no phrases at all the detector never matches.
func NewExitDetector(phrases ...string) *ExitDetector {
	d := &ExitDetector{}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			d.phrases = append(d.phrases, p)
		}
	}
	return d
}

// Match returns the first configured phrase contained in text.
func (d *ExitDetector) Match(text string) (string, bool) {
	if d == nil || text == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, p := range d.phrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}

// Phrases returns a copy of the normalised phrase list.
func (d *ExitDetector) Phrases() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.phrases...)
}
