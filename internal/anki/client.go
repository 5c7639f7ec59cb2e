// Package anki is the client for the external flashcard service. It speaks
// the AnkiConnect v6 protocol; Anki itself owns all card state and
// scheduling — this client only queries and reports.
package anki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const protocolVersion = 6

// Ease is the coarse difficulty signal reported back after an assessment.
// Values follow AnkiConnect's answerCards contract.
type Ease int

const (
	EaseAgain Ease = 1
	EaseHard  Ease = 2
	EaseGood  Ease = 3
	EaseEasy  Ease = 4
)

func (e Ease) String() string {
	switch e {
	case EaseAgain:
		return "again"
	case EaseHard:
		return "hard"
	case EaseGood:
		return "good"
	case EaseEasy:
		return "easy"
	default:
		return fmt.Sprintf("ease(%d)", int(e))
	}
}

func (e Ease) Valid() bool {
	return e >= EaseAgain && e <= EaseEasy
}

// Card is a read-through view of one flashcard. The service owns the card;
// the core holds this copy only while the card is active in a session.
type Card struct {
	ID       int64  `json:"card_id"`
	Front    string `json:"front"`
	Back     string `json:"back"`
	Deck     string `json:"deck"`
	NoteType string `json:"note_type,omitempty"`
	Due      int64  `json:"due,omitempty"`
	Interval int    `json:"interval,omitempty"`
	Factor   int    `json:"factor,omitempty"`
}

func (c Card) Summary() string {
	return fmt.Sprintf("%s / %s (deck %s)", c.Front, c.Back, c.Deck)
}

// DeckStats summarizes one deck's review queues.
type DeckStats struct {
	Name        string `json:"name"`
	NewCount    int    `json:"new_count"`
	LearnCount  int    `json:"learn_count"`
	ReviewCount int    `json:"review_count"`
	Total       int    `json:"total_in_deck"`
}

// Client is the collaborator contract the core consumes. All calls are
// synchronous and fallible; AddCard is the only non-idempotent one.
type Client interface {
	FindCards(ctx context.Context, deck string, limit int) ([]Card, error)
	AddCard(ctx context.Context, deck, front, back string) (int64, error)
	AnswerCard(ctx context.Context, cardID int64, ease Ease) error
	CheckConnection(ctx context.Context) (bool, error)
	CreateDeck(ctx context.Context, name string) error
	DeckStats(ctx context.Context, deck string) (*DeckStats, error)
}

// ErrServiceError marks a failure reported by AnkiConnect itself (as
// opposed to transport-level failures).
var ErrServiceError = errors.New("anki service error")

type HTTPClient struct {
	url        string
	httpClient *http.Client
}

func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:        strings.TrimRight(url, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	Action  string `json:"action"`
	Version int    `json:"version"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

func (c *HTTPClient) rpc(ctx context.Context, action string, params any, out any) error {
	payload, err := json.Marshal(rpcRequest{Action: action, Version: protocolVersion, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send %s request: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http %d: %s", action, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	if decoded.Error != nil && *decoded.Error != "" {
		return fmt.Errorf("%w: %s: %s", ErrServiceError, action, *decoded.Error)
	}
	if out != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", action, err)
		}
	}
	return nil
}

// FindCards returns up to limit cards from a deck, trying queues in priority
// order: due, then learning, then review, then any card. The service's own
// ordering within a queue is preserved.
func (c *HTTPClient) FindCards(ctx context.Context, deck string, limit int) ([]Card, error) {
	if limit <= 0 {
		limit = 5
	}
	deckFilter := ""
	if deck != "" {
		deckFilter = fmt.Sprintf("deck:%q ", deck)
	}

	queries := []string{
		deckFilter + "is:due",
		deckFilter + "is:learn",
		deckFilter + "is:review",
		deckFilter + "*",
	}

	var cardIDs []int64
	for _, query := range queries {
		ids, err := c.findCardIDs(ctx, query)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			if len(ids) > limit {
				ids = ids[:limit]
			}
			cardIDs = ids
			break
		}
	}
	if len(cardIDs) == 0 {
		return nil, nil
	}

	return c.cardsInfo(ctx, cardIDs)
}

func (c *HTTPClient) findCardIDs(ctx context.Context, query string) ([]int64, error) {
	var ids []int64
	err := c.rpc(ctx, "findCards", map[string]any{"query": query}, &ids)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

type cardInfo struct {
	CardID   int64  `json:"cardId"`
	DeckName string `json:"deckName"`
	Model    string `json:"modelName"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Due      int64  `json:"due"`
	Interval int    `json:"interval"`
	Factor   int    `json:"factor"`
}

func (c *HTTPClient) cardsInfo(ctx context.Context, ids []int64) ([]Card, error) {
	var infos []cardInfo
	if err := c.rpc(ctx, "cardsInfo", map[string]any{"cards": ids}, &infos); err != nil {
		return nil, err
	}

	cards := make([]Card, 0, len(infos))
	for _, info := range infos {
		cards = append(cards, Card{
			ID:       info.CardID,
			Front:    stripHTML(info.Question),
			Back:     stripHTML(info.Answer),
			Deck:     info.DeckName,
			NoteType: info.Model,
			Due:      info.Due,
			Interval: info.Interval,
			Factor:   info.Factor,
		})
	}
	return cards, nil
}

// AddCard creates a new basic note. Not idempotent: two calls create two
// cards, so callers must not retry blindly.
func (c *HTTPClient) AddCard(ctx context.Context, deck, front, back string) (int64, error) {
	note := map[string]any{
		"deckName":  deck,
		"modelName": "Basic",
		"fields": map[string]string{
			"Front": front,
			"Back":  back,
		},
		"options": map[string]any{
			"allowDuplicate": false,
			"duplicateScope": "deck",
		},
	}

	var noteID int64
	if err := c.rpc(ctx, "addNote", map[string]any{"note": note}, &noteID); err != nil {
		return 0, err
	}
	return noteID, nil
}

func (c *HTTPClient) AnswerCard(ctx context.Context, cardID int64, ease Ease) error {
	if !ease.Valid() {
		return fmt.Errorf("invalid ease %d: must be 1 (again), 2 (hard), 3 (good) or 4 (easy)", int(ease))
	}

	var results []bool
	err := c.rpc(ctx, "answerCards", map[string]any{
		"answers": []map[string]any{{"cardId": cardID, "ease": int(ease)}},
	}, &results)
	if err != nil {
		return err
	}
	if len(results) == 0 || !results[0] {
		return fmt.Errorf("%w: card %d could not be answered (not in review?)", ErrServiceError, cardID)
	}
	return nil
}

// CheckConnection reports whether AnkiConnect is reachable. Unreachable is a
// normal answer, not an error; only protocol-level surprises return one.
func (c *HTTPClient) CheckConnection(ctx context.Context) (bool, error) {
	var version int
	err := c.rpc(ctx, "version", nil, &version)
	if err != nil {
		if isConnectivityError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *HTTPClient) CreateDeck(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("deck name cannot be empty")
	}
	return c.rpc(ctx, "createDeck", map[string]any{"deck": name}, nil)
}

func (c *HTTPClient) DeckStats(ctx context.Context, deck string) (*DeckStats, error) {
	var stats map[string]DeckStats
	err := c.rpc(ctx, "getDeckStats", map[string]any{"decks": []string{deck}}, &stats)
	if err != nil {
		return nil, err
	}
	for _, s := range stats {
		if s.Name == deck {
			result := s
			return &result, nil
		}
	}
	return nil, fmt.Errorf("%w: no stats for deck %q", ErrServiceError, deck)
}

func isConnectivityError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such host") ||
		errors.Is(err, context.DeadlineExceeded)
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

func stripHTML(s string) string {
	return strings.TrimSpace(htmlTagRe.ReplaceAllString(s, ""))
}
