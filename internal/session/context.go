package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/kotori/internal/anki"
)

// Context holds all conversational and progress state for one learner
// session. It is mutated exclusively by the executor, one turn at a time.
type Context struct {
	ID            string
	Node          Node
	Language      string
	Level         string
	DeckName      string
	LearningGoals string

	History       []Message
	ActiveCard    *anki.Card
	Queue         []anki.Card
	Assessments   []AssessmentRecord
	Opportunities []string
	FreeElapsed   time.Duration
	TurnCount     int

	CreatedAt    time.Time
	LastActivity time.Time
	Closed       bool

	mu sync.Mutex
}

func NewContext(language, deckName string) *Context {
	now := time.Now()
	return &Context{
		ID:           uuid.NewString(),
		Node:         NodeGreeting,
		Language:     language,
		DeckName:     deckName,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Lock serializes turns for this session. The executor holds the lock for
// the full duration of one turn.
func (c *Context) Lock()   { c.mu.Lock() }
func (c *Context) Unlock() { c.mu.Unlock() }

// Append adds a message to the history. History is append-only; insertion
// order is significant.
func (c *Context) Append(msgs ...Message) {
	c.History = append(c.History, msgs...)
}

// RecentHistory returns up to n most recent messages.
func (c *Context) RecentHistory(n int) []Message {
	if n <= 0 || len(c.History) <= n {
		return c.History
	}
	return c.History[len(c.History)-n:]
}

// LastAssessment returns the most recent assessment record, or nil.
func (c *Context) LastAssessment() *AssessmentRecord {
	if len(c.Assessments) == 0 {
		return nil
	}
	return &c.Assessments[len(c.Assessments)-1]
}

// Patch is the context mutation a node handler returns. The executor applies
// it monotonically: new fields merge, histories only append.
type Patch struct {
	LearningGoals *string
	Level         *string

	SetActiveCard   *anki.Card
	ClearActiveCard bool
	SetQueue        []anki.Card
	QueueSet        bool

	AppendMessages    []Message
	AppendAssessments []AssessmentRecord
	AddOpportunities  []string
	AddFreeElapsed    time.Duration
}

func (c *Context) Apply(p Patch) {
	if p.LearningGoals != nil {
		c.LearningGoals = *p.LearningGoals
	}
	if p.Level != nil {
		c.Level = *p.Level
	}
	if p.ClearActiveCard {
		c.ActiveCard = nil
	} else if p.SetActiveCard != nil {
		card := *p.SetActiveCard
		c.ActiveCard = &card
	}
	if p.QueueSet {
		c.Queue = p.SetQueue
	}
	c.Append(p.AppendMessages...)
	c.Assessments = append(c.Assessments, p.AppendAssessments...)
	for _, op := range p.AddOpportunities {
		if !containsString(c.Opportunities, op) {
			c.Opportunities = append(c.Opportunities, op)
		}
	}
	c.FreeElapsed += p.AddFreeElapsed
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// State is the read-only introspection form of a session, as exposed to the
// transport layer. Serializing and re-reading it preserves the current node,
// turn counter and assessment ordering.
type State struct {
	SessionID         string             `json:"session_id"`
	CurrentNode       Node               `json:"current_node"`
	Language          string             `json:"language"`
	Level             string             `json:"level,omitempty"`
	LearningGoals     string             `json:"learning_goals,omitempty"`
	ActiveCardSummary string             `json:"active_card_summary,omitempty"`
	AssessmentHistory []AssessmentRecord `json:"assessment_history"`
	Opportunities     []string           `json:"opportunities,omitempty"`
	TurnCounter       int                `json:"turn_counter"`
	FreeElapsedMs     int64              `json:"free_elapsed_ms,omitempty"`
}

func (c *Context) Snapshot() State {
	st := State{
		SessionID:     c.ID,
		CurrentNode:   c.Node,
		Language:      c.Language,
		Level:         c.Level,
		LearningGoals: c.LearningGoals,
		TurnCounter:   c.TurnCount,
		FreeElapsedMs: c.FreeElapsed.Milliseconds(),
	}
	if c.ActiveCard != nil {
		st.ActiveCardSummary = c.ActiveCard.Summary()
	}
	st.AssessmentHistory = append(st.AssessmentHistory, c.Assessments...)
	st.Opportunities = append(st.Opportunities, c.Opportunities...)
	return st
}
