// Package assess scores a learner's practice attempt against the active
// card along three dimensions and derives a single mastery signal.
package assess

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/kotori/internal/anki"
	"github.com/stellarlinkco/kotori/internal/llm"
	"github.com/stellarlinkco/kotori/internal/session"
)

// ErrUnparsableAssessment means the model's output did not contain all three
// scores. The caller must not fabricate a record from it.
var ErrUnparsableAssessment = errors.New("unparsable assessment")

type Engine struct {
	client      llm.Client
	temperature float64
}

func NewEngine(client llm.Client, temperature float64) *Engine {
	return &Engine{client: client, temperature: temperature}
}

const rubricPrompt = `You are grading a language learner's attempt to use a vocabulary item.

Vocabulary item: %s
Its meaning: %s
Learner's attempt: %s

Score the attempt on three dimensions, each an integer from 1 (poor) to 5 (excellent):
- MEANING: did the learner use the item with its correct meaning?
- USAGE: is the item used correctly in context (collocation, particles, conjugation)?
- NATURALNESS: does the sentence sound natural to a native speaker?

Then write one or two sentences of feedback for the learner.

Reply in exactly this format:
MEANING: <1-5>
USAGE: <1-5>
NATURALNESS: <1-5>
FEEDBACK: <your feedback>`

var (
	meaningRe     = regexp.MustCompile(`(?im)^\s*MEANING:\s*(\d+)`)
	usageRe       = regexp.MustCompile(`(?im)^\s*USAGE:\s*(\d+)`)
	naturalnessRe = regexp.MustCompile(`(?im)^\s*NATURALNESS:\s*(\d+)`)
	feedbackRe    = regexp.MustCompile(`(?is)FEEDBACK:\s*(.+)$`)
)

// Score grades one attempt. Recent history gives the model context for
// judging naturalness; it is never scored itself.
func (e *Engine) Score(ctx context.Context, attempt string, card anki.Card, recent []llm.Turn) (session.AssessmentRecord, error) {
	prompt := fmt.Sprintf(rubricPrompt, card.Front, card.Back, attempt)

	reply, err := e.client.Complete(ctx, llm.CompletionRequest{
		System:      prompt,
		Turns:       recent,
		Temperature: e.temperature,
	})
	if err != nil {
		return session.AssessmentRecord{}, fmt.Errorf("assessment: %w", err)
	}

	return Parse(reply.Text, card.ID)
}

// Parse extracts the three sub-scores and feedback from raw model output.
// Sub-scores outside [1,5] are clamped; a missing sub-score fails the parse.
func Parse(raw string, cardID int64) (session.AssessmentRecord, error) {
	meaning, ok1 := extractScore(meaningRe, raw)
	usage, ok2 := extractScore(usageRe, raw)
	naturalness, ok3 := extractScore(naturalnessRe, raw)
	if !ok1 || !ok2 || !ok3 {
		return session.AssessmentRecord{}, fmt.Errorf("%w: %q", ErrUnparsableAssessment, truncate(raw, 200))
	}

	feedback := ""
	if m := feedbackRe.FindStringSubmatch(raw); m != nil {
		feedback = strings.TrimSpace(m[1])
	}

	rec := session.AssessmentRecord{
		CardID:      cardID,
		Meaning:     clamp(meaning),
		Usage:       clamp(usage),
		Naturalness: clamp(naturalness),
		Feedback:    feedback,
		Timestamp:   time.Now(),
	}
	rec.Overall = Overall(rec.Meaning, rec.Usage, rec.Naturalness)
	return rec, nil
}

// Overall is the rounded mean of the three sub-scores.
func Overall(meaning, usage, naturalness int) int {
	mean := float64(meaning+usage+naturalness) / 3.0
	return int(math.Round(mean))
}

func extractScore(re *regexp.Regexp, raw string) (int, bool) {
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func clamp(n int) int {
	if n < 1 {
		return 1
	}
	if n > 5 {
		return 5
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
