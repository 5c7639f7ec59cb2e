// Package detect watches free conversation for signs the learner would
// benefit from switching to structured practice. Two independent signals are
// required before it suggests a transition: an explicit vocabulary gap and a
// grammar mistake.
package detect

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlinkco/kotori/internal/llm"
	"github.com/stellarlinkco/kotori/internal/session"
)

type Result struct {
	Opportunities    []string
	ShouldTransition bool
}

type Detector struct {
	client     llm.Client
	gapPhrases []string
	window     int
}

// NewDetector builds a detector scanning the last window user turns.
// gapPhrases are matched case-insensitively as substrings.
func NewDetector(client llm.Client, gapPhrases []string, window int) *Detector {
	if window <= 0 {
		window = 10
	}
	lowered := make([]string, len(gapPhrases))
	for i, p := range gapPhrases {
		lowered[i] = strings.ToLower(p)
	}
	return &Detector{client: client, gapPhrases: lowered, window: window}
}

const grammarInstruction = `You are reviewing a language learner's recent messages for grammar mistakes.
A mistake is a concrete grammatical error (wrong tense, particle, word order, agreement), not informal style or typos.
Does any message contain a grammar mistake?`

// Analyze scans recent user turns. Both a phrase-matched vocabulary gap and a
// model-confirmed grammar mistake must be present for ShouldTransition to be
// true; either signal alone only surfaces opportunities.
func (d *Detector) Analyze(ctx context.Context, history []session.Message) (Result, error) {
	userTurns := lastUserTurns(history, d.window)
	if len(userTurns) == 0 {
		return Result{}, nil
	}

	var result Result
	vocabGap := false
	for _, turn := range userTurns {
		lowered := strings.ToLower(turn)
		for _, phrase := range d.gapPhrases {
			if strings.Contains(lowered, phrase) {
				vocabGap = true
				result.Opportunities = append(result.Opportunities, "vocab gap: "+truncate(turn, 120))
				break
			}
		}
	}

	grammarMistake, err := d.checkGrammar(ctx, userTurns)
	if err != nil {
		return Result{}, err
	}
	if grammarMistake {
		result.Opportunities = append(result.Opportunities, "grammar mistakes in recent messages")
	}

	result.ShouldTransition = vocabGap && grammarMistake
	return result, nil
}

func (d *Detector) checkGrammar(ctx context.Context, turns []string) (bool, error) {
	history := make([]llm.Turn, len(turns))
	for i, t := range turns {
		history[i] = llm.Turn{Role: "user", Content: t}
	}

	label, err := d.client.Classify(ctx, grammarInstruction, history, []string{"YES", "NO"})
	if err != nil {
		return false, fmt.Errorf("grammar check: %w", err)
	}
	if label == "" {
		// ambiguous answer counts as no signal
		log.Printf("[detect] ambiguous grammar classification, treating as NO")
		return false, nil
	}
	return label == "YES", nil
}

func lastUserTurns(history []session.Message, n int) []string {
	var turns []string
	for i := len(history) - 1; i >= 0 && len(turns) < n; i-- {
		if history[i].Role == session.RoleUser {
			turns = append(turns, history[i].Content)
		}
	}
	// restore chronological order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
