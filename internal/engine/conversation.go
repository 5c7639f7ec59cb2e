package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlinkco/kotori/internal/llm"
	"github.com/stellarlinkco/kotori/internal/session"
	"github.com/stellarlinkco/kotori/internal/tools"
)

const conversationPromptTemplate = `You are Kotori, a friendly %s conversation partner. The learner's level is %s.
Their learning goals: %s

Chat naturally in %s, keeping your language level appropriate for the learner.
Gently correct serious mistakes inline. You may call tools to look up or
create flashcards when the learner struggles with a word.`

var farewellKeywords = []string{"goodbye", "bye bye", "see you", "end session", "i have to go", "that's all for today"}

// handleFreeConversation chats with the learner. Each user turn is scanned
// by the opportunity detector first; when it recommends structured practice
// the session bridges into card retrieval. The model may request tool calls
// while composing its reply, bounded per turn.
func (e *Executor) handleFreeConversation(ctx context.Context, sc *session.Context, input *string) (outcome, error) {
	if input != nil && containsAny(strings.ToLower(*input), farewellKeywords) {
		return outcome{
			reply: "It was great practicing with you today. See you next time!",
			next:  session.NodeEnd,
			halt:  true,
		}, nil
	}

	var out outcome
	out.next = session.NodeFreeConversation

	if input != nil && e.detector != nil {
		res, err := e.detector.Analyze(ctx, sc.History)
		if err != nil {
			// detection is opportunistic; a failed scan never blocks the turn
			log.Printf("[engine] session %s: opportunity detection failed: %v", sc.ID, err)
		} else {
			out.patch.AddOpportunities = res.Opportunities
			if res.ShouldTransition {
				out.reply = "I've noticed a few words and patterns we could work on. Let's do a quick round of flashcards!"
				out.next = session.NodeCardRetrieval
				return out, nil
			}
		}
	}

	system := fmt.Sprintf(conversationPromptTemplate,
		sc.Language, levelOrDefault(sc), goalsOrDefault(sc), sc.Language)

	turns := recentTurns(sc, 20)
	if input == nil {
		turns = append(turns, llm.Turn{Role: "system", Content: "Open the conversation with a friendly question."})
	}

	reply, err := e.converse(ctx, sc, system, turns, &out)
	if err != nil {
		return outcome{}, err
	}
	out.reply = reply
	out.halt = true
	return out, nil
}

// converse runs the completion loop, honoring model-requested tool calls up
// to the configured iteration bound. Tool results are fed back as tool turns.
func (e *Executor) converse(ctx context.Context, sc *session.Context, system string, turns []llm.Turn, out *outcome) (string, error) {
	for i := 0; i <= e.maxToolIterations; i++ {
		reply, err := e.llm.Complete(ctx, llm.CompletionRequest{
			System:      system,
			Turns:       turns,
			Temperature: e.temperatureFor(sc),
			Tools:       tools.Specs(),
		})
		if err != nil {
			return "", err
		}
		if len(reply.ToolCalls) == 0 {
			return reply.Text, nil
		}
		if i == e.maxToolIterations {
			log.Printf("[engine] session %s: tool iteration budget exhausted", sc.ID)
			if reply.Text != "" {
				return reply.Text, nil
			}
			return "Let me get back to that in a moment. What else would you like to talk about?", nil
		}
		for _, req := range reply.ToolCalls {
			call := e.invoker.Invoke(ctx, req.Name, req.Arguments)
			out.toolCalls = append(out.toolCalls, call)
			content := call.Result
			if call.Status == session.ToolError {
				content = "tool failed: " + call.Reason
			}
			turns = append(turns, llm.Turn{Role: "tool", Content: fmt.Sprintf("%s -> %s", req.Name, content)})
		}
	}
	return "", fmt.Errorf("conversation loop exited without a reply")
}

func goalsOrDefault(sc *session.Context) string {
	if sc.LearningGoals == "" {
		return "not captured yet"
	}
	return sc.LearningGoals
}
