// Package engine is the state machine executor. It owns the per-session
// dialogue flow: one turn in, node handlers run, transitions apply, one
// reply out. Handlers are pure with respect to the executor; all context
// mutation goes through patches applied here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/kotori/internal/anki"
	"github.com/stellarlinkco/kotori/internal/assess"
	"github.com/stellarlinkco/kotori/internal/detect"
	"github.com/stellarlinkco/kotori/internal/llm"
	"github.com/stellarlinkco/kotori/internal/session"
	"github.com/stellarlinkco/kotori/internal/tools"
)

// ErrInvalidTransition is a programming-level fault: a handler returned a
// next node not reachable from the current one. The turn is rejected and
// the context left unchanged.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrStateInvariant marks a broken precondition inside a node handler, such
// as an assessment with no active card. Like an invalid transition it is
// fatal to the turn, never masked.
var ErrStateInvariant = errors.New("state invariant violation")

// maxHops bounds how many nodes may chain inside a single turn.
const maxHops = 6

// transitions is the closed reachability table. A handler may only move a
// session along one of these edges (staying put is listed explicitly).
var transitions = map[session.Node][]session.Node{
	session.NodeGreeting:         {session.NodeGreeting, session.NodeModeSelection, session.NodeEnd},
	session.NodeModeSelection:    {session.NodeModeSelection, session.NodeCardRetrieval, session.NodeFreeConversation},
	session.NodeCardRetrieval:    {session.NodeVocabPractice, session.NodeFreeConversation},
	session.NodeVocabPractice:    {session.NodeVocabPractice, session.NodeAssessment, session.NodeFreeConversation},
	session.NodeAssessment:       {session.NodeAssessment, session.NodeCardAnswer},
	session.NodeCardAnswer:       {session.NodeCardRetrieval, session.NodeModeSelection},
	session.NodeFreeConversation: {session.NodeFreeConversation, session.NodeCardRetrieval, session.NodeEnd},
	session.NodeEnd:              {session.NodeEnd},
}

// outcome is what a node handler returns for one step of a turn.
type outcome struct {
	reply      string
	next       session.Node
	patch      session.Patch
	toolCalls  []session.ToolCall
	assessment *session.AssessmentRecord
	halt       bool // the reply is complete, end the turn here
}

type handlerFunc func(ctx context.Context, sc *session.Context, input *string) (outcome, error)

// TurnResult is what one executed turn hands back to the transport layer.
type TurnResult struct {
	Reply      string                    `json:"reply_text"`
	Node       session.Node              `json:"new_node"`
	ToolCalls  []session.ToolCall        `json:"emitted_tool_calls,omitempty"`
	Assessment *session.AssessmentRecord `json:"emitted_assessment,omitempty"`
}

type Options struct {
	LLM      llm.Client
	Invoker  *tools.Invoker
	Assessor *assess.Engine
	Detector *detect.Detector
	Registry *session.Registry

	ChatTemperature   float64
	CardBatchSize     int
	MaxToolIterations int
}

type Executor struct {
	llm      llm.Client
	invoker  *tools.Invoker
	assessor *assess.Engine
	detector *detect.Detector
	registry *session.Registry

	chatTemperature   float64
	cardBatchSize     int
	maxToolIterations int

	handlers map[session.Node]handlerFunc

	mu       sync.Mutex
	tempOver map[string]float64 // per-session chat temperature overrides
}

func New(opts Options) *Executor {
	if opts.CardBatchSize <= 0 {
		opts.CardBatchSize = 3
	}
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = 3
	}
	e := &Executor{
		llm:               opts.LLM,
		invoker:           opts.Invoker,
		assessor:          opts.Assessor,
		detector:          opts.Detector,
		registry:          opts.Registry,
		chatTemperature:   opts.ChatTemperature,
		cardBatchSize:     opts.CardBatchSize,
		maxToolIterations: opts.MaxToolIterations,
		tempOver:          make(map[string]float64),
	}
	e.handlers = map[session.Node]handlerFunc{
		session.NodeGreeting:         e.handleGreeting,
		session.NodeModeSelection:    e.handleModeSelection,
		session.NodeCardRetrieval:    e.handleCardRetrieval,
		session.NodeVocabPractice:    e.handleVocabPractice,
		session.NodeAssessment:       e.handleAssessment,
		session.NodeCardAnswer:       e.handleCardAnswer,
		session.NodeFreeConversation: e.handleFreeConversation,
		session.NodeEnd:              e.handleEnd,
	}
	return e
}

// StartSession creates a session in the Greeting node and returns its id.
// A non-zero temperature overrides the configured chat temperature for this
// session only.
func (e *Executor) StartSession(language, deckName string, temperature float64) string {
	sc := e.registry.Create(language, deckName)
	if temperature > 0 {
		e.mu.Lock()
		e.tempOver[sc.ID] = temperature
		e.mu.Unlock()
	}
	log.Printf("[engine] session %s started (language=%s deck=%s)", sc.ID, language, deckName)
	return sc.ID
}

// HandleTurn executes exactly one turn for a session. Turns of the same
// session are serialized; the session lock is held for the full turn.
func (e *Executor) HandleTurn(ctx context.Context, sessionID, userText string) (*TurnResult, error) {
	sc, err := e.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return e.RunTurn(ctx, sc, userText)
}

// RunTurn is HandleTurn for callers that already hold a context reference,
// such as the gateway's transport-key path.
func (e *Executor) RunTurn(ctx context.Context, sc *session.Context, userText string) (*TurnResult, error) {
	sc.Lock()
	defer sc.Unlock()

	if sc.Closed {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionClosed, sc.ID)
	}

	cp := checkpointOf(sc)
	now := time.Now()
	if sc.Node == session.NodeFreeConversation {
		// time the learner spent since the last turn counts toward the
		// free-conversation duration while the session sits in that node
		sc.Apply(session.Patch{AddFreeElapsed: now.Sub(sc.LastActivity)})
	}
	sc.TurnCount++
	sc.LastActivity = now
	sc.Append(session.NewMessage(session.RoleUser, userText))

	result := &TurnResult{}
	var parts []string
	input := &userText

	for hop := 0; hop < maxHops; hop++ {
		handler, ok := e.handlers[sc.Node]
		if !ok {
			cp.restore(sc)
			return nil, fmt.Errorf("%w: no handler for node %s", ErrInvalidTransition, sc.Node)
		}

		out, err := handler(ctx, sc, input)
		input = nil
		if err != nil {
			cp.restore(sc)
			return nil, err
		}
		if !allowed(sc.Node, out.next) {
			cp.restore(sc)
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sc.Node, out.next)
		}

		sc.Apply(out.patch)
		for _, tc := range out.toolCalls {
			sc.Append(tc.Message())
		}
		result.ToolCalls = append(result.ToolCalls, out.toolCalls...)
		if out.assessment != nil {
			result.Assessment = out.assessment
		}
		if out.reply != "" {
			parts = append(parts, out.reply)
		}
		if sc.Node != out.next {
			log.Printf("[engine] session %s: %s -> %s", sc.ID, sc.Node, out.next)
		}
		sc.Node = out.next

		if out.halt {
			break
		}
	}

	if len(parts) == 0 {
		cp.restore(sc)
		return nil, fmt.Errorf("turn produced no reply in %d hops at node %s", maxHops, sc.Node)
	}

	result.Reply = strings.Join(parts, "\n\n")
	result.Node = sc.Node
	sc.Append(session.NewMessage(session.RoleAssistant, result.Reply))
	return result, nil
}

// GetState returns the read-only introspection form of a session.
func (e *Executor) GetState(sessionID string) (session.State, error) {
	sc, err := e.registry.Get(sessionID)
	if err != nil {
		return session.State{}, err
	}
	sc.Lock()
	defer sc.Unlock()
	return sc.Snapshot(), nil
}

// CloseSession terminates a session. Any in-flight external effect is left
// as-is; card updates already made remain made.
func (e *Executor) CloseSession(sessionID string) error {
	e.mu.Lock()
	delete(e.tempOver, sessionID)
	e.mu.Unlock()
	return e.registry.Close(sessionID)
}

func (e *Executor) temperatureFor(sc *session.Context) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tempOver[sc.ID]; ok {
		return t
	}
	return e.chatTemperature
}

func allowed(from, to session.Node) bool {
	for _, node := range transitions[from] {
		if node == to {
			return true
		}
	}
	return false
}

// checkpoint captures the mutable fields of a context so a failed turn can
// be rolled back, leaving the learner's next retry on a known-good state.
type checkpoint struct {
	node        session.Node
	turnCount   int
	histLen     int
	assessLen   int
	oppsLen     int
	goals       string
	level       string
	freeElapsed time.Duration
	activeCard  *anki.Card
	queue       []anki.Card
}

func checkpointOf(sc *session.Context) checkpoint {
	cp := checkpoint{
		node:        sc.Node,
		turnCount:   sc.TurnCount,
		histLen:     len(sc.History),
		assessLen:   len(sc.Assessments),
		oppsLen:     len(sc.Opportunities),
		goals:       sc.LearningGoals,
		level:       sc.Level,
		freeElapsed: sc.FreeElapsed,
	}
	if sc.ActiveCard != nil {
		card := *sc.ActiveCard
		cp.activeCard = &card
	}
	cp.queue = append([]anki.Card(nil), sc.Queue...)
	return cp
}

func (cp checkpoint) restore(sc *session.Context) {
	sc.Node = cp.node
	sc.TurnCount = cp.turnCount
	sc.History = sc.History[:cp.histLen]
	sc.Assessments = sc.Assessments[:cp.assessLen]
	sc.Opportunities = sc.Opportunities[:cp.oppsLen]
	sc.LearningGoals = cp.goals
	sc.Level = cp.level
	sc.FreeElapsed = cp.freeElapsed
	sc.ActiveCard = cp.activeCard
	sc.Queue = cp.queue
}
