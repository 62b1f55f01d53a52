package recovery

import "strings"

// Classifier decides whether an error is worth retrying.
type Classifier interface {
	ShouldRetry(errText string) bool
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(errText string) bool

func (f ClassifierFunc) ShouldRetry(errText string) bool { return f(errText) }

var (
	DefaultPermanentKeywords = []string{
		"insufficient funds",
		"invalid signature",
		"account not found",
		"invalid instruction",
		"custom program error",
		"permission denied",
		"authentication failed",
	}

	DefaultTransientKeywords = []string{
		"timeout",
		"timed out",
		"network error",
		"connection",
		"rate limit",
		"too many requests",
		"temporary failure",
		"service unavailable",
		"slot skipped",
		"blockhash not found",
	}
)

// KeywordClassifier matches lower-cased error text against keyword lists.
// Permanent keywords win over transient ones; unmatched text is permanent.
type KeywordClassifier struct {
	Permanent []string
	Transient []string
}

// DefaultClassifier returns a KeywordClassifier with the stock lists.
func DefaultClassifier() *KeywordClassifier {
	return NewKeywordClassifier(nil, nil)
}

// NewKeywordClassifier builds a classifier, falling back to the default list
// for any list left empty.
func NewKeywordClassifier(permanent, transient []string) *KeywordClassifier {
	if len(permanent) == 0 {
		permanent = DefaultPermanentKeywords
	}
	if len(transient) == 0 {
		transient = DefaultTransientKeywords
	}
	return &KeywordClassifier{
		Permanent: lowerAll(permanent),
		Transient: lowerAll(transient),
	}
}

func (c *KeywordClassifier) ShouldRetry(errText string) bool {
	s := strings.ToLower(errText)
	for _, kw := range c.Permanent {
		if strings.Contains(s, kw) {
			return false
		}
	}
	for _, kw := range c.Transient {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
