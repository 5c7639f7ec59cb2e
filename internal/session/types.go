package session

import (
	"time"

	"github.com/google/uuid"
)

// Node is a named state in the dialogue state machine.
type Node string

const (
	NodeGreeting         Node = "greeting"
	NodeModeSelection    Node = "mode_selection"
	NodeCardRetrieval    Node = "card_retrieval"
	NodeVocabPractice    Node = "vocab_practice"
	NodeAssessment       Node = "assessment"
	NodeCardAnswer       Node = "card_answer"
	NodeFreeConversation Node = "free_conversation"
	NodeEnd              Node = "end"
)

// AllNodes is the closed node set. Every session is in exactly one of these.
var AllNodes = []Node{
	NodeGreeting,
	NodeModeSelection,
	NodeCardRetrieval,
	NodeVocabPractice,
	NodeAssessment,
	NodeCardAnswer,
	NodeFreeConversation,
	NodeEnd,
}

func (n Node) Valid() bool {
	for _, known := range AllNodes {
		if n == known {
			return true
		}
	}
	return false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is one utterance. Immutable once appended to a session's history.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// MasteryThreshold is the overall score at or above which a practice attempt
// counts as mastery of the active card.
const MasteryThreshold = 4

// AssessmentRecord is the output of one assessment pass. Overall is always
// derived from the three sub-scores, never set independently.
type AssessmentRecord struct {
	CardID      int64     `json:"card_id"`
	Meaning     int       `json:"meaning"`
	Usage       int       `json:"usage"`
	Naturalness int       `json:"naturalness"`
	Overall     int       `json:"overall"`
	Feedback    string    `json:"feedback"`
	Timestamp   time.Time `json:"timestamp"`
}

func (r AssessmentRecord) Mastered() bool {
	return r.Overall >= MasteryThreshold
}

type ToolStatus string

const (
	ToolPending ToolStatus = "pending"
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
)

// ToolCall records a single invocation of an external capability. A record
// moves from pending to exactly one terminal status; a retry is a new record.
type ToolCall struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	Status    ToolStatus     `json:"status"`
	Result    string         `json:"result,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Message converts the record into a tool-typed history message, giving
// replayable provenance of the external side effect.
func (tc ToolCall) Message() Message {
	msg := NewMessage(RoleTool, tc.Result)
	if tc.Status == ToolError {
		msg.Content = tc.Reason
	}
	msg.Meta = map[string]any{
		"tool":    tc.Tool,
		"args":    tc.Args,
		"status":  string(tc.Status),
		"call_id": tc.ID,
	}
	return msg
}
