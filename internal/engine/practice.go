package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlinkco/kotori/internal/anki"
	"github.com/stellarlinkco/kotori/internal/llm"
	"github.com/stellarlinkco/kotori/internal/session"
	"github.com/stellarlinkco/kotori/internal/tools"
)

// handleCardRetrieval loads the next card to practice: from the session's
// queue if one is pending, otherwise from the flashcard service. An empty
// deck falls through to free conversation; so does an unreachable service.
func (e *Executor) handleCardRetrieval(ctx context.Context, sc *session.Context, input *string) (outcome, error) {
	if len(sc.Queue) > 0 {
		card := sc.Queue[0]
		return outcome{
			next: session.NodeVocabPractice,
			patch: session.Patch{
				SetActiveCard: &card,
				SetQueue:      sc.Queue[1:],
				QueueSet:      true,
			},
		}, nil
	}

	call := e.invoker.Invoke(ctx, tools.ToolFindCards, map[string]any{
		"deck":  sc.DeckName,
		"limit": e.cardBatchSize,
	})
	out := outcome{toolCalls: []session.ToolCall{call}}

	if call.Status == session.ToolError {
		log.Printf("[engine] session %s: card lookup failed, degrading to chat: %s", sc.ID, call.Reason)
		out.reply = "I couldn't reach your flashcard deck right now, so let's just chat instead. What's on your mind?"
		out.next = session.NodeFreeConversation
		out.halt = true
		return out, nil
	}

	var result struct {
		Cards []anki.Card `json:"cards"`
	}
	if err := json.Unmarshal([]byte(call.Result), &result); err != nil {
		return outcome{}, fmt.Errorf("decode find-cards result: %w", err)
	}

	if len(result.Cards) == 0 {
		out.reply = fmt.Sprintf("Your deck %q has no cards to review right now, so let's have a conversation instead. What would you like to talk about?", sc.DeckName)
		out.next = session.NodeFreeConversation
		out.halt = true
		return out, nil
	}

	card := result.Cards[0]
	out.next = session.NodeVocabPractice
	out.patch = session.Patch{
		SetActiveCard: &card,
		SetQueue:      result.Cards[1:],
		QueueSet:      true,
	}
	return out, nil
}

const practicePromptTemplate = `You are Kotori, a friendly %s tutor. The learner's level is %s.
The current vocabulary card is:
  word/phrase: %s
  meaning: %s

Introduce the word naturally and ask the learner to use it in a sentence of their own. Keep it short and encouraging. Do not give away a full example sentence.`

const practiceInstruction = `The learner is practicing a vocabulary card and was asked to use the word in a sentence. Classify their latest message:
ATTEMPTED - they tried to use the target word or answer the card
CONTINUE - they asked a question or made small talk about the word without attempting it
SWITCH - they asked to stop studying or change activity`

var practiceLabels = []string{"ATTEMPTED", "CONTINUE", "SWITCH"}

var switchKeywords = []string{"stop studying", "switch to chat", "let's chat", "enough cards", "no more cards"}

// handleVocabPractice presents the active card and judges what the learner's
// reply was: an attempt (score it), chatter (keep practicing), or a request
// to switch modes.
func (e *Executor) handleVocabPractice(ctx context.Context, sc *session.Context, input *string) (outcome, error) {
	if sc.ActiveCard == nil {
		return outcome{}, fmt.Errorf("%w: vocab practice with no active card", ErrStateInvariant)
	}
	card := *sc.ActiveCard

	if input == nil {
		prompt := fmt.Sprintf(practicePromptTemplate, sc.Language, levelOrDefault(sc), card.Front, card.Back)
		reply, err := e.llm.Complete(ctx, llm.CompletionRequest{
			System:      prompt,
			Turns:       recentTurns(sc, 6),
			Temperature: e.temperatureFor(sc),
		})
		if err != nil {
			return outcome{}, err
		}
		return outcome{reply: reply.Text, next: session.NodeVocabPractice, halt: true}, nil
	}

	if containsAny(strings.ToLower(*input), switchKeywords) {
		return outcome{next: session.NodeFreeConversation}, nil
	}

	label, err := e.llm.Classify(ctx, practiceInstruction+"\n\nTarget word: "+card.Front, recentTurns(sc, 6), practiceLabels)
	if err != nil {
		return outcome{}, err
	}

	switch label {
	case "ATTEMPTED":
		return outcome{next: session.NodeAssessment}, nil
	case "SWITCH":
		return outcome{next: session.NodeFreeConversation}, nil
	case "CONTINUE":
		prompt := fmt.Sprintf(practicePromptTemplate, sc.Language, levelOrDefault(sc), card.Front, card.Back)
		reply, err := e.llm.Complete(ctx, llm.CompletionRequest{
			System:      prompt + "\nAnswer the learner's question, then nudge them to try using the word.",
			Turns:       recentTurns(sc, 6),
			Temperature: e.temperatureFor(sc),
		})
		if err != nil {
			return outcome{}, err
		}
		return outcome{reply: reply.Text, next: session.NodeVocabPractice, halt: true}, nil
	default:
		log.Printf("[engine] session %s: ambiguous practice classification, staying put", sc.ID)
		return outcome{
			reply: fmt.Sprintf("Give it a try! Can you use %q in a sentence?", card.Front),
			next:  session.NodeVocabPractice,
			halt:  true,
		}, nil
	}
}

// handleAssessment scores the learner's latest attempt against the active
// card. A failed scoring call keeps the node here with a retry prompt and
// appends no record.
func (e *Executor) handleAssessment(ctx context.Context, sc *session.Context, input *string) (outcome, error) {
	if sc.ActiveCard == nil {
		return outcome{}, fmt.Errorf("%w: assessment with no active card", ErrStateInvariant)
	}
	attempt := lastUserMessage(sc)
	if attempt == "" {
		return outcome{}, fmt.Errorf("%w: assessment with no user attempt", ErrStateInvariant)
	}

	rec, err := e.assessor.Score(ctx, attempt, *sc.ActiveCard, recentTurns(sc, 6))
	if err != nil {
		log.Printf("[engine] session %s: assessment failed, staying for retry: %v", sc.ID, err)
		return outcome{
			reply: "Hmm, I couldn't quite assess that one. Could you try using the word in a sentence once more?",
			next:  session.NodeAssessment,
			halt:  true,
		}, nil
	}

	reply := rec.Feedback
	if reply == "" {
		reply = "Thanks, I've noted that attempt."
	}
	reply = fmt.Sprintf("%s (score: %d/5)", reply, rec.Overall)

	return outcome{
		reply:      reply,
		next:       session.NodeCardAnswer,
		assessment: &rec,
		patch:      session.Patch{AppendAssessments: []session.AssessmentRecord{rec}},
	}, nil
}

// handleCardAnswer reports the assessment back to the flashcard service as
// an ease rating, exactly once, then moves on by remaining-card count.
// Mastery maps to "good"; anything below maps to "again".
func (e *Executor) handleCardAnswer(ctx context.Context, sc *session.Context, input *string) (outcome, error) {
	rec := sc.LastAssessment()
	if rec == nil || sc.ActiveCard == nil {
		return outcome{}, fmt.Errorf("%w: card answer with no assessment or card", ErrStateInvariant)
	}

	rating := "again"
	if rec.Mastered() {
		rating = "good"
	}

	call := e.invoker.Invoke(ctx, tools.ToolAnswerCard, map[string]any{
		"card_id": sc.ActiveCard.ID,
		"rating":  rating,
	})
	out := outcome{
		toolCalls: []session.ToolCall{call},
		patch:     session.Patch{ClearActiveCard: true},
	}
	if call.Status == session.ToolError {
		// the at-least-once policy: the attempt is recorded locally even
		// when the service missed the update
		log.Printf("[engine] session %s: answer-card failed: %s", sc.ID, call.Reason)
	}

	if len(sc.Queue) > 0 {
		out.next = session.NodeCardRetrieval
		return out, nil
	}
	out.next = session.NodeModeSelection
	out.reply = "That was the last card for now."
	return out, nil
}

func levelOrDefault(sc *session.Context) string {
	if sc.Level == "" || sc.Level == "unknown" {
		return "unspecified"
	}
	return sc.Level
}

func lastUserMessage(sc *session.Context) string {
	for i := len(sc.History) - 1; i >= 0; i-- {
		if sc.History[i].Role == session.RoleUser {
			return sc.History[i].Content
		}
	}
	return ""
}
