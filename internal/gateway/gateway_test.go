package gateway

import (
	"context"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stellarlinkco/kotori/internal/anki"
	"github.com/stellarlinkco/kotori/internal/bus"
	"github.com/stellarlinkco/kotori/internal/config"
	"github.com/stellarlinkco/kotori/internal/cron"
	"github.com/stellarlinkco/kotori/internal/llm"
)

type scriptedLLM struct{}

func (scriptedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Reply, error) {
	return &llm.Reply{Text: "scripted reply"}, nil
}

func (scriptedLLM) Classify(ctx context.Context, instruction string, history []llm.Turn, labels []string) (string, error) {
	return labels[0], nil
}

type quietAnki struct {
	due int
}

func (quietAnki) FindCards(ctx context.Context, deck string, limit int) ([]anki.Card, error) {
	return nil, nil
}
func (quietAnki) AddCard(ctx context.Context, deck, front, back string) (int64, error) {
	return 1, nil
}
func (quietAnki) AnswerCard(ctx context.Context, cardID int64, ease anki.Ease) error { return nil }
func (quietAnki) CheckConnection(ctx context.Context) (bool, error)                  { return true, nil }
func (quietAnki) CreateDeck(ctx context.Context, name string) error                  { return nil }
func (a quietAnki) DeckStats(ctx context.Context, deck string) (*anki.DeckStats, error) {
	return &anki.DeckStats{Name: deck, ReviewCount: a.due}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "test-key"
	cfg.Gateway.Port = 0
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, due int) (*Gateway, chan os.Signal) {
	t.Helper()
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(cfg, Options{
		LLMFactory:  func(*config.Config) (llm.Client, error) { return scriptedLLM{}, nil },
		AnkiFactory: func(*config.Config) anki.Client { return quietAnki{due: due} },
		SignalChan:  sigCh,
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	return g, sigCh
}

func TestInboundMessageGetsReply(t *testing.T) {
	cfg := testConfig(t)
	g, sigCh := newTestGateway(t, cfg, 0)

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()
	defer func() {
		sigCh <- syscall.SIGTERM
		<-done
	}()

	replies := make(chan bus.OutboundMessage, 1)
	g.bus.SubscribeOutbound("testchan", func(msg bus.OutboundMessage) {
		replies <- msg
	})

	g.bus.Inbound <- bus.InboundMessage{
		Channel:   "testchan",
		SenderID:  "1",
		ChatID:    "100",
		Content:   "hello",
		Timestamp: time.Now(),
	}

	select {
	case msg := <-replies:
		if msg.ChatID != "100" || msg.Content == "" {
			t.Errorf("reply = %+v", msg)
		}
		// first contact gets the greeting
		if !strings.Contains(msg.Content, "Kotori") {
			t.Errorf("reply = %q, want greeting", msg.Content)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply on the bus")
	}
}

func TestSameChatKeepsSession(t *testing.T) {
	cfg := testConfig(t)
	g, sigCh := newTestGateway(t, cfg, 0)

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()
	defer func() {
		sigCh <- syscall.SIGTERM
		<-done
	}()

	replies := make(chan bus.OutboundMessage, 2)
	g.bus.SubscribeOutbound("testchan", func(msg bus.OutboundMessage) {
		replies <- msg
	})

	send := func(text string) bus.OutboundMessage {
		g.bus.Inbound <- bus.InboundMessage{Channel: "testchan", SenderID: "1", ChatID: "100", Content: text}
		select {
		case msg := <-replies:
			return msg
		case <-time.After(3 * time.Second):
			t.Fatalf("no reply for %q", text)
			return bus.OutboundMessage{}
		}
	}

	send("hi")
	send("I want to learn travel words")
	if g.registry.Len() != 1 {
		t.Errorf("registry has %d sessions, want 1 (same chat)", g.registry.Len())
	}
}

func TestReminderWithDueCards(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reminder.Enabled = true
	cfg.Reminder.Channel = "testchan"
	cfg.Reminder.ChatID = "100"
	g, _ := newTestGateway(t, cfg, 7)

	result, err := g.runReminder(cron.ReminderJob{
		Name:    reminderJobName,
		Payload: cron.Payload{Channel: "testchan", ChatID: "100", Deck: "Kotori"},
	})
	if err != nil {
		t.Fatalf("runReminder: %v", err)
	}
	if !strings.Contains(result, "7") {
		t.Errorf("result = %q", result)
	}

	select {
	case msg := <-g.bus.Outbound:
		if !strings.Contains(msg.Content, "7 cards") {
			t.Errorf("reminder = %q", msg.Content)
		}
	default:
		t.Fatal("no reminder on the bus")
	}
}

func TestReminderQuietDeck(t *testing.T) {
	cfg := testConfig(t)
	g, _ := newTestGateway(t, cfg, 0)

	result, err := g.runReminder(cron.ReminderJob{
		Payload: cron.Payload{Channel: "testchan", ChatID: "100", Deck: "Kotori"},
	})
	if err != nil {
		t.Fatalf("runReminder: %v", err)
	}
	if !strings.Contains(result, "quiet") {
		t.Errorf("result = %q", result)
	}
	select {
	case msg := <-g.bus.Outbound:
		t.Fatalf("unexpected reminder: %+v", msg)
	default:
	}
}
