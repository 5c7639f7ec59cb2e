// Package gateway is the long-running host process: it wires the engine to
// chat channels, the HTTP API, the session store and the reminder scheduler,
// and pumps messages between them.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/stellarlinkco/kotori/internal/anki"
	"github.com/stellarlinkco/kotori/internal/assess"
	"github.com/stellarlinkco/kotori/internal/bus"
	"github.com/stellarlinkco/kotori/internal/channel"
	"github.com/stellarlinkco/kotori/internal/config"
	"github.com/stellarlinkco/kotori/internal/cron"
	"github.com/stellarlinkco/kotori/internal/detect"
	"github.com/stellarlinkco/kotori/internal/engine"
	"github.com/stellarlinkco/kotori/internal/httpapi"
	"github.com/stellarlinkco/kotori/internal/llm"
	"github.com/stellarlinkco/kotori/internal/session"
	"github.com/stellarlinkco/kotori/internal/tools"
)

// LLMFactory creates the model client (allows scripting in tests).
type LLMFactory func(cfg *config.Config) (llm.Client, error)

// AnkiFactory creates the flashcard service client.
type AnkiFactory func(cfg *config.Config) anki.Client

// Options for creating a Gateway.
type Options struct {
	LLMFactory  LLMFactory
	AnkiFactory AnkiFactory
	SignalChan  chan os.Signal // for testing signal handling
}

func defaultLLMFactory(cfg *config.Config) (llm.Client, error) {
	return llm.NewOpenAIClient(llm.Options{
		APIKey:              cfg.Provider.APIKey,
		BaseURL:             cfg.Provider.BaseURL,
		Model:               cfg.Agent.Model,
		MaxTokens:           cfg.Agent.MaxTokens,
		ClassifyTemperature: cfg.Agent.ClassifyTemperature,
	})
}

func defaultAnkiFactory(cfg *config.Config) anki.Client {
	return anki.NewHTTPClient(cfg.Anki.URL, time.Duration(cfg.Anki.TimeoutMs)*time.Millisecond)
}

type Gateway struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	anki     anki.Client
	executor *engine.Executor
	registry *session.Registry
	store    *session.Store
	channels *channel.ChannelManager
	cron     *cron.Service
	api      *httpapi.Server

	signalChan chan os.Signal
}

// New creates a Gateway with default options.
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	llmFactory := opts.LLMFactory
	if llmFactory == nil {
		llmFactory = defaultLLMFactory
	}
	modelClient, err := llmFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create model client: %w", err)
	}

	ankiFactory := opts.AnkiFactory
	if ankiFactory == nil {
		ankiFactory = defaultAnkiFactory
	}
	g.anki = ankiFactory(cfg)

	dbPath := strings.TrimSpace(cfg.Storage.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "sessions.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := session.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}
	g.store = store
	g.registry = session.NewRegistry(store)

	invoker := tools.NewInvoker(g.anki, cfg.Anki.DeckName)
	g.executor = engine.New(engine.Options{
		LLM:      modelClient,
		Invoker:  invoker,
		Assessor: assess.NewEngine(modelClient, cfg.Agent.ClassifyTemperature),
		Detector: detect.NewDetector(modelClient, cfg.Detector.GapPhrases, cfg.Detector.Window),
		Registry: g.registry,

		ChatTemperature:   cfg.Agent.ChatTemperature,
		CardBatchSize:     cfg.Anki.BatchSize,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
	})

	g.api = httpapi.NewServer(g.executor)

	g.cron = cron.NewService(filepath.Join(config.ConfigDir(), "data", "cron", "reminders.json"))
	g.cron.OnJob = g.runReminder

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	g.signalChan = opts.SignalChan
	return g, nil
}

// Executor exposes the engine for embedding callers (the chat REPL).
func (g *Gateway) Executor() *engine.Executor { return g.executor }

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureReminderJob(); err != nil {
		log.Printf("[gateway] ensure reminder job warning: %v", err)
	}

	go g.processLoop(ctx)
	go g.sweepLoop(ctx)

	addr := fmt.Sprintf("%s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)
	go func() {
		if err := g.api.ListenAndServe(ctx, addr); err != nil {
			log.Printf("[gateway] http api error: %v", err)
		}
	}()

	log.Printf("[gateway] running on %s", addr)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))

			sc := g.registry.GetOrCreateByKey(msg.SessionKey(), g.cfg.Session.Language, g.cfg.Anki.DeckName)
			result, err := g.executor.RunTurn(ctx, sc, msg.Content)

			reply := ""
			if err != nil {
				log.Printf("[gateway] turn error for %s: %v", msg.SessionKey(), err)
				reply = "Sorry, something went wrong on my side. Could you say that again?"
			} else {
				reply = result.Reply
			}

			if reply != "" {
				g.bus.Outbound <- bus.OutboundMessage{
					Channel: msg.Channel,
					ChatID:  msg.ChatID,
					Content: reply,
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// sweepLoop evicts idle sessions on the configured cadence.
func (g *Gateway) sweepLoop(ctx context.Context) {
	maxIdle := time.Duration(g.cfg.Session.IdleMinutes) * time.Minute
	if maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := g.registry.Sweep(maxIdle); n > 0 {
				log.Printf("[gateway] swept %d idle sessions", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

const reminderJobName = "daily-review-reminder"

func (g *Gateway) ensureReminderJob() error {
	if !g.cfg.Reminder.Enabled {
		return nil
	}
	for _, job := range g.cron.ListJobs() {
		if job.Name == reminderJobName {
			return nil
		}
	}
	expr := g.cfg.Reminder.Expr
	if expr == "" {
		expr = "0 0 9 * * *"
	}
	_, err := g.cron.AddJob(reminderJobName, cron.Schedule{Kind: "cron", Expr: expr}, cron.Payload{
		Channel: g.cfg.Reminder.Channel,
		ChatID:  g.cfg.Reminder.ChatID,
		Deck:    g.cfg.Anki.DeckName,
	})
	return err
}

// runReminder checks the deck and nudges the learner when reviews are
// waiting. A quiet deck sends nothing.
func (g *Gateway) runReminder(job cron.ReminderJob) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stats, err := g.anki.DeckStats(ctx, job.Payload.Deck)
	if err != nil {
		return "", fmt.Errorf("deck stats: %w", err)
	}

	due := stats.ReviewCount + stats.LearnCount + stats.NewCount
	if due == 0 {
		return "deck is quiet, no reminder sent", nil
	}

	message := job.Payload.Message
	if message == "" {
		message = fmt.Sprintf("You have %d cards waiting in %q. Fancy a quick practice round?", due, job.Payload.Deck)
	}
	if job.Payload.Channel == "" || job.Payload.ChatID == "" {
		return fmt.Sprintf("%d cards due but no delivery target configured", due), nil
	}

	g.bus.Outbound <- bus.OutboundMessage{
		Channel: job.Payload.Channel,
		ChatID:  job.Payload.ChatID,
		Content: message,
	}
	return fmt.Sprintf("reminded about %d due cards", due), nil
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	if err := g.channels.StopAll(); err != nil {
		log.Printf("[gateway] stop channels: %v", err)
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			log.Printf("[gateway] close store: %v", err)
		}
	}
	log.Printf("[gateway] stopped")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
