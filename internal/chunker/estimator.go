package chunker

import "unicode/utf8"

// TokenEstimator estimates how many model tokens a single word costs.
type TokenEstimator interface {
	Estimate(word string) int
}

// WordEstimator counts one token per word.
type WordEstimator struct{}

// Estimate implements TokenEstimator.
func (WordEstimator) Estimate(string) int { return 1 }

// CharEstimator approximates tokens as ceil(runes / CharsPerToken), at least 1 per word.
type CharEstimator struct {
	CharsPerToken int
}

// Estimate implements TokenEstimator.
func (e CharEstimator) Estimate(word string) int {
	per := e.CharsPerToken
	if per <= 0 {
		per = 4
	}
	n := (utf8.RuneCountInString(word) + per - 1) / per
	if n < 1 {
		return 1
	}
	return n
}

// NewEstimator returns the estimator registered under name ("words" or "chars").
// Unknown names fall back to WordEstimator.
func NewEstimator(name string, charsPerToken int) TokenEstimator {
	if name == "chars" {
		return CharEstimator{CharsPerToken: charsPerToken}
	}
	return WordEstimator{}
}
