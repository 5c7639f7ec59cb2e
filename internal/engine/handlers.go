package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlinkco/kotori/internal/llm"
	"github.com/stellarlinkco/kotori/internal/session"
)

var greetingByLanguage = map[string]string{
	"english":  "Hi! I'm Kotori, your language practice partner. What would you like to work on, and how would you describe your current level?",
	"japanese": "こんにちは！ことりです。あなたの言語練習のパートナーです。何を練習したいですか？今のレベルも教えてください。",
}

const levelInstruction = `Classify the learner's self-described proficiency level from their message.`

var levelLabels = []string{"beginner", "intermediate", "advanced", "unknown"}

// handleGreeting greets on first contact, then captures learning goals and a
// coarse level from the learner's reply. An unclassifiable level still
// advances; goals matter more than the label.
func (e *Executor) handleGreeting(ctx context.Context, sc *session.Context, input *string) (outcome, error) {
	if input == nil || !hasAssistantMessage(sc) {
		greeting, ok := greetingByLanguage[strings.ToLower(sc.Language)]
		if !ok {
			log.Printf("[engine] session %s: unsupported language %q, ending", sc.ID, sc.Language)
			return outcome{
				reply: fmt.Sprintf("Sorry, I can't tutor %s yet. Please start a new session with a supported language.", sc.Language),
				next:  session.NodeEnd,
				halt:  true,
			}, nil
		}
		return outcome{reply: greeting, next: session.NodeGreeting, halt: true}, nil
	}

	goals := strings.TrimSpace(*input)
	level, err := e.llm.Classify(ctx, levelInstruction, []llm.Turn{{Role: "user", Content: goals}}, levelLabels)
	if err != nil {
		return outcome{}, err
	}
	if level == "" {
		log.Printf("[engine] session %s: ambiguous level classification, recording unknown", sc.ID)
		level = "unknown"
	}

	return outcome{
		next: session.NodeModeSelection,
		patch: session.Patch{
			LearningGoals: &goals,
			Level:         &level,
		},
	}, nil
}

const modeMenuPrompt = "Great! What would you like to do next: practice some vocabulary cards (study), or just have a conversation (chat)?"

const modeInstruction = `The learner was asked whether they want structured flashcard study or free-form chat. Classify their reply.`

var modeLabels = []string{"STUDY", "CHAT"}

var studyKeywords = []string{"study", "practice", "card", "flashcard", "vocab", "review"}
var chatKeywords = []string{"chat", "talk", "conversation", "converse", "free"}

// handleModeSelection routes the learner into study or chat. Explicit menu
// keywords short-circuit the classifier; an ambiguous reply stays here.
func (e *Executor) handleModeSelection(ctx context.Context, sc *session.Context, input *string) (outcome, error) {
	if input == nil {
		return outcome{reply: modeMenuPrompt, next: session.NodeModeSelection, halt: true}, nil
	}

	choice := ""
	lowered := strings.ToLower(*input)
	switch {
	case containsAny(lowered, studyKeywords):
		choice = "STUDY"
	case containsAny(lowered, chatKeywords):
		choice = "CHAT"
	default:
		label, err := e.llm.Classify(ctx, modeInstruction, []llm.Turn{{Role: "user", Content: *input}}, modeLabels)
		if err != nil {
			return outcome{}, err
		}
		choice = label
	}

	switch choice {
	case "STUDY":
		return outcome{next: session.NodeCardRetrieval}, nil
	case "CHAT":
		return outcome{next: session.NodeFreeConversation}, nil
	default:
		log.Printf("[engine] session %s: ambiguous mode choice %q, staying in mode selection", sc.ID, *input)
		return outcome{
			reply: "Sorry, I didn't catch that. Would you like to study cards or just chat?",
			next:  session.NodeModeSelection,
			halt:  true,
		}, nil
	}
}

func (e *Executor) handleEnd(ctx context.Context, sc *session.Context, input *string) (outcome, error) {
	return outcome{
		reply: "This session has ended. Start a new one whenever you want to practice again!",
		next:  session.NodeEnd,
		halt:  true,
	}, nil
}

func hasAssistantMessage(sc *session.Context) bool {
	for _, msg := range sc.History {
		if msg.Role == session.RoleAssistant {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// recentTurns converts session history into model-visible turns, skipping
// system metadata but keeping tool results as context.
func recentTurns(sc *session.Context, n int) []llm.Turn {
	msgs := sc.RecentHistory(n)
	turns := make([]llm.Turn, 0, len(msgs))
	for _, msg := range msgs {
		turns = append(turns, llm.Turn{Role: string(msg.Role), Content: msg.Content})
	}
	return turns
}
