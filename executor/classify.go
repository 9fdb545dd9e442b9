package executor

import "strings"

// Class is the retry classification of a command result.
type Class int

// Classification values.
const (
	Succeeded Class = iota
	Transient
	Fatal
)

func (c Class) String() string {
	switch c {
	case Succeeded:
		return "succeeded"
	case Transient:
		return "transient"
	default:
		return "fatal"
	}
}

// Classifier decides whether a failed attempt is worth retrying.
type Classifier interface {
	Classify(res Result) Class
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(res Result) Class

// Classify implements Classifier.
func (f ClassifierFunc) Classify(res Result) Class { return f(res) }

// PatternClassifier matches lowercased stdout+stderr against fixed substrings.
// NonTransient patterns win over Transient ones.
type PatternClassifier struct {
	Transient    []string
	NonTransient []string
}

// TransientPatterns are failures expected to succeed on retry.
var TransientPatterns = []string{
	"http 429",
	"rate limit",
	"timed out",
	"operation timed out",
	"the requested url returned error: 5",
	"early eof",
	"connection reset",
	"could not resolve host",
	"connection closed by", // SSH gateway drops
}

// NonTransientPatterns are auth and not-found failures that never get retried.
// "fatal: could not read from remote repository" is deliberately absent: git
// prints it for network hiccups too.
var NonTransientPatterns = []string{
	"permission denied",
	"access denied",
	"authentication failed",
	"fatal: authentication failed",
	"remote: http basic: access denied",
	"remote: permission to",
	"repository not found",
}

// DefaultClassifier holds the stock rule tables.
var DefaultClassifier = PatternClassifier{
	Transient:    TransientPatterns,
	NonTransient: NonTransientPatterns,
}

// Classify implements Classifier.
func (c PatternClassifier) Classify(res Result) Class {
	if res.ExitCode == 0 {
		return Succeeded
	}

	text := strings.ToLower(res.Stdout + "\n" + res.Stderr)
	if containsAny(text, c.NonTransient) {
		return Fatal
	}
	if res.TimedOut || containsAny(text, c.Transient) {
		return Transient
	}
	return Fatal
}

func containsAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
