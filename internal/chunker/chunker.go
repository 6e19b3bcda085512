// Package chunker splits document text into token-budgeted, overlapping segments.
package chunker

import (
	"strings"
)

// Segment is one chunk of text. StartWord and EndWord index the normalized word
// sequence (EndWord exclusive); the first OverlapWords words repeat the tail of
// the previous segment.
type Segment struct {
	Text         string
	Tokens       int
	StartWord    int
	EndWord      int
	OverlapWords int
}

// Chunker packs words into segments of at most maxTokens estimated tokens.
type Chunker struct {
	maxTokens     int
	overlapTokens int
	estimator     TokenEstimator
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithEstimator sets the token estimator (default WordEstimator).
func WithEstimator(e TokenEstimator) Option {
	return func(c *Chunker) {
		if e != nil {
			c.estimator = e
		}
	}
}

// New creates a chunker. maxTokens below 1 is raised to 1 and overlapTokens is
// clamped into [0, maxTokens-1].
func New(maxTokens, overlapTokens int, opts ...Option) *Chunker {
	if maxTokens < 1 {
		maxTokens = 1
	}
	if overlapTokens < 0 {
		overlapTokens = 0
	}
	if overlapTokens >= maxTokens {
		overlapTokens = maxTokens - 1
	}
	c := &Chunker{
		maxTokens:     maxTokens,
		overlapTokens: overlapTokens,
		estimator:     WordEstimator{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chunk splits text with the default word estimator.
func Chunk(text string, maxTokens, overlapTokens int) []Segment {
	return New(maxTokens, overlapTokens).Split(text)
}

// Split divides text into segments. Whitespace-only input yields no segments.
func (c *Chunker) Split(text string) []Segment {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	costs := make([]int, len(words))
	for i, w := range words {
		costs[i] = c.estimator.Estimate(w)
	}

	var segments []Segment
	next := 0    // first word not yet covered by any segment
	overlap := 0 // words carried over from the previous segment
	for next < len(words) {
		// Shrink the carried overlap until the first new word fits next to it.
		for overlap > 0 && sum(costs[next-overlap:next])+costs[next] > c.maxTokens {
			overlap--
		}
		start := next - overlap
		tokens := sum(costs[start:next])
		end := next
		for end < len(words) {
			if tokens+costs[end] > c.maxTokens && end > next {
				break
			}
			tokens += costs[end]
			end++
			if tokens > c.maxTokens {
				// A single word larger than the budget stands alone.
				break
			}
		}
		segments = append(segments, Segment{
			Text:         strings.Join(words[start:end], " "),
			Tokens:       tokens,
			StartWord:    start,
			EndWord:      end,
			OverlapWords: overlap,
		})
		next = end
		if next < len(words) {
			overlap = c.trailingOverlap(costs[start:end])
		}
	}
	return segments
}

// trailingOverlap returns the length of the longest word suffix whose cost fits
// the overlap budget. It is always shorter than the segment itself.
func (c *Chunker) trailingOverlap(costs []int) int {
	if c.overlapTokens == 0 {
		return 0
	}
	n, tokens := 0, 0
	for i := len(costs) - 1; i > 0; i-- {
		if tokens+costs[i] > c.overlapTokens {
			break
		}
		tokens += costs[i]
		n++
	}
	return n
}

// Reconstruct joins segments back into the whitespace-normalized source text.
func Reconstruct(segments []Segment) string {
	var b strings.Builder
	for i, s := range segments {
		words := strings.Fields(s.Text)
		if i > 0 {
			words = words[min(s.OverlapWords, len(words)):]
		}
		for _, w := range words {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(w)
		}
	}
	return b.String()
}

func sum(costs []int) int {
	total := 0
	for _, c := range costs {
		total += c
	}
	return total
}
