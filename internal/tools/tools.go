// Package tools implements the closed tool set the dialogue engine may
// invoke against the flashcard service. Arguments are validated before any
// dispatch; a failed call is recorded, never retried.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/stellarlinkco/kotori/internal/anki"
	"github.com/stellarlinkco/kotori/internal/llm"
	"github.com/stellarlinkco/kotori/internal/session"
)

const (
	ToolFindCards       = "find-cards"
	ToolAddCard         = "add-card"
	ToolAnswerCard      = "answer-card"
	ToolCheckConnection = "check-connection"
)

var ErrUnknownTool = errors.New("unknown tool")

// Invoker validates and dispatches tool calls. One Invoker is shared across
// sessions; it holds no per-session state.
type Invoker struct {
	client      anki.Client
	validate    *validator.Validate
	defaultDeck string
}

func NewInvoker(client anki.Client, defaultDeck string) *Invoker {
	return &Invoker{
		client:      client,
		validate:    validator.New(),
		defaultDeck: defaultDeck,
	}
}

type findCardsArgs struct {
	Deck  string `json:"deck"`
	Limit int    `json:"limit" validate:"omitempty,min=1,max=20"`
}

type addCardArgs struct {
	Front string `json:"front" validate:"required"`
	Back  string `json:"back" validate:"required"`
	Deck  string `json:"deck"`
}

type answerCardArgs struct {
	CardID int64  `json:"card_id" validate:"required,gt=0"`
	Rating string `json:"rating" validate:"required,oneof=again hard good easy"`
}

var ratingToEase = map[string]anki.Ease{
	"again": anki.EaseAgain,
	"hard":  anki.EaseHard,
	"good":  anki.EaseGood,
	"easy":  anki.EaseEasy,
}

// Invoke runs one tool call and returns its record with a terminal status.
// Unknown names and invalid arguments fail before any external request is
// made. The returned record is always usable; errors surface in its Reason.
func (inv *Invoker) Invoke(ctx context.Context, name string, args map[string]any) session.ToolCall {
	call := session.ToolCall{
		ID:        uuid.NewString(),
		Tool:      name,
		Args:      args,
		Status:    session.ToolPending,
		Timestamp: time.Now(),
	}

	result, err := inv.dispatch(ctx, name, args)
	if err != nil {
		call.Status = session.ToolError
		call.Reason = err.Error()
		log.Printf("[tools] %s failed: %v", name, err)
		return call
	}
	call.Status = session.ToolSuccess
	call.Result = result
	return call
}

func (inv *Invoker) dispatch(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case ToolFindCards:
		var a findCardsArgs
		if err := inv.decode(args, &a); err != nil {
			return "", err
		}
		if a.Deck == "" {
			a.Deck = inv.defaultDeck
		}
		if a.Limit == 0 {
			a.Limit = 5
		}
		cards, err := inv.client.FindCards(ctx, a.Deck, a.Limit)
		if err != nil {
			return "", fmt.Errorf("find-cards: %w", err)
		}
		return marshalResult(map[string]any{"cards": cards, "count": len(cards)})

	case ToolAddCard:
		var a addCardArgs
		if err := inv.decode(args, &a); err != nil {
			return "", err
		}
		if a.Deck == "" {
			a.Deck = inv.defaultDeck
		}
		noteID, err := inv.client.AddCard(ctx, a.Deck, a.Front, a.Back)
		if err != nil {
			return "", fmt.Errorf("add-card: %w", err)
		}
		return marshalResult(map[string]any{"note_id": noteID, "deck": a.Deck})

	case ToolAnswerCard:
		var a answerCardArgs
		if err := inv.decode(args, &a); err != nil {
			return "", err
		}
		if err := inv.client.AnswerCard(ctx, a.CardID, ratingToEase[a.Rating]); err != nil {
			return "", fmt.Errorf("answer-card: %w", err)
		}
		return marshalResult(map[string]any{"card_id": a.CardID, "rating": a.Rating})

	case ToolCheckConnection:
		ok, err := inv.client.CheckConnection(ctx)
		if err != nil {
			return "", fmt.Errorf("check-connection: %w", err)
		}
		return marshalResult(map[string]any{"connected": ok})

	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
}

// decode round-trips loosely typed arguments through JSON into the typed
// struct, then validates. Either step failing blocks dispatch.
func (inv *Invoker) decode(args map[string]any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := inv.validate.Struct(out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func marshalResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(raw), nil
}

// Specs advertises the tool set to the language model in function-calling
// form. Only tools safe for model-initiated use are listed; answer-card is
// excluded because grading is driven by assessments, not by the model.
func Specs() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name:        ToolFindCards,
			Description: "Fetch due flashcards from the learner's deck.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"deck":  map[string]any{"type": "string", "description": "Deck name; defaults to the session deck."},
					"limit": map[string]any{"type": "integer", "description": "Maximum number of cards, 1-20."},
				},
			},
		},
		{
			Name:        ToolAddCard,
			Description: "Create a new flashcard for a word or phrase the learner struggled with.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"front": map[string]any{"type": "string", "description": "Prompt side of the card."},
					"back":  map[string]any{"type": "string", "description": "Answer side of the card."},
					"deck":  map[string]any{"type": "string", "description": "Deck name; defaults to the session deck."},
				},
				"required": []string{"front", "back"},
			},
		},
		{
			Name:        ToolCheckConnection,
			Description: "Check whether the flashcard service is reachable.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}
