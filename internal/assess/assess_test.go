package assess

import (
	"context"
	"errors"
	"testing"

	"github.com/stellarlinkco/kotori/internal/anki"
	"github.com/stellarlinkco/kotori/internal/llm"
)

type fakeLLM struct {
	text string
	err  error
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Reply, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Reply{Text: f.text}, nil
}

func (f *fakeLLM) Classify(ctx context.Context, instruction string, history []llm.Turn, labels []string) (string, error) {
	return "", nil
}

func TestParseWellFormed(t *testing.T) {
	raw := "MEANING: 5\nUSAGE: 4\nNATURALNESS: 5\nFEEDBACK: Nearly perfect, just watch the particle."
	rec, err := Parse(raw, 42)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.Meaning != 5 || rec.Usage != 4 || rec.Naturalness != 5 {
		t.Errorf("scores = %d/%d/%d", rec.Meaning, rec.Usage, rec.Naturalness)
	}
	// mean 14/3 = 4.67 rounds to 5
	if rec.Overall != 5 {
		t.Errorf("overall = %d, want 5", rec.Overall)
	}
	if !rec.Mastered() {
		t.Error("overall 5 must count as mastery")
	}
	if rec.Feedback != "Nearly perfect, just watch the particle." {
		t.Errorf("feedback = %q", rec.Feedback)
	}
}

func TestParseClampsOutOfRange(t *testing.T) {
	raw := "MEANING: 9\nUSAGE: 0\nNATURALNESS: 3\nFEEDBACK: odd"
	rec, err := Parse(raw, 1)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.Meaning != 5 || rec.Usage != 1 || rec.Naturalness != 3 {
		t.Errorf("scores = %d/%d/%d, want 5/1/3", rec.Meaning, rec.Usage, rec.Naturalness)
	}
	// mean 9/3 = 3
	if rec.Overall != 3 {
		t.Errorf("overall = %d, want 3", rec.Overall)
	}
	if rec.Mastered() {
		t.Error("overall 3 must not count as mastery")
	}
}

func TestParseMissingScoreFails(t *testing.T) {
	raw := "MEANING: 4\nNATURALNESS: 4\nFEEDBACK: missing usage"
	_, err := Parse(raw, 1)
	if !errors.Is(err, ErrUnparsableAssessment) {
		t.Fatalf("err = %v, want ErrUnparsableAssessment", err)
	}
}

func TestParseFreeformFails(t *testing.T) {
	_, err := Parse("Great job! I'd say about a 4 out of 5 overall.", 1)
	if !errors.Is(err, ErrUnparsableAssessment) {
		t.Fatalf("err = %v, want ErrUnparsableAssessment", err)
	}
}

func TestOverallRounding(t *testing.T) {
	cases := []struct {
		m, u, n int
		want    int
	}{
		{5, 4, 5, 5}, // 4.67 -> 5
		{4, 4, 3, 4}, // 3.67 -> 4
		{3, 3, 4, 3}, // 3.33 -> 3
		{4, 4, 4, 4},
		{2, 3, 2, 2}, // 2.33 -> 2
		{4, 5, 4, 4}, // 4.33 -> 4, still mastery
	}
	for _, tc := range cases {
		if got := Overall(tc.m, tc.u, tc.n); got != tc.want {
			t.Errorf("Overall(%d,%d,%d) = %d, want %d", tc.m, tc.u, tc.n, got, tc.want)
		}
	}
}

func TestScorePassesThroughModelError(t *testing.T) {
	wantErr := errors.New("gateway timeout")
	engine := NewEngine(&fakeLLM{err: wantErr}, 0.1)
	_, err := engine.Score(context.Background(), "attempt", anki.Card{ID: 1}, nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped gateway timeout", err)
	}
}

func TestScoreParsesModelReply(t *testing.T) {
	engine := NewEngine(&fakeLLM{text: "MEANING: 4\nUSAGE: 4\nNATURALNESS: 4\nFEEDBACK: Solid."}, 0.1)
	rec, err := engine.Score(context.Background(), "attempt", anki.Card{ID: 7}, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if rec.CardID != 7 || rec.Overall != 4 || !rec.Mastered() {
		t.Errorf("rec = %+v", rec)
	}
}
