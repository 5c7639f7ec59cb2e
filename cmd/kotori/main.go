package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/kotori/internal/anki"
	"github.com/stellarlinkco/kotori/internal/assess"
	"github.com/stellarlinkco/kotori/internal/config"
	"github.com/stellarlinkco/kotori/internal/detect"
	"github.com/stellarlinkco/kotori/internal/engine"
	"github.com/stellarlinkco/kotori/internal/gateway"
	"github.com/stellarlinkco/kotori/internal/llm"
	"github.com/stellarlinkco/kotori/internal/session"
	"github.com/stellarlinkco/kotori/internal/tools"
)

var rootCmd = &cobra.Command{
	Use:   "kotori",
	Short: "kotori - language practice tutor backed by your flashcard deck",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Practice in the terminal (single message or REPL mode)",
	RunE:  runChat,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + HTTP API + reminders)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and create the practice deck",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kotori status",
	RunE:  runStatus,
}

var messageFlag string

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	rootCmd.AddCommand(chatCmd, gatewayCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ChatOptions for running chat with injectable dependencies (testing).
type ChatOptions struct {
	Executor *engine.Executor
	Stdin    io.Reader
	Stdout   io.Writer
	Stderr   io.Writer
}

func newExecutor(cfg *config.Config) (*engine.Executor, error) {
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("API key not set. Run 'kotori onboard' or set KOTORI_API_KEY / OPENAI_API_KEY")
	}

	modelClient, err := llm.NewOpenAIClient(llm.Options{
		APIKey:              cfg.Provider.APIKey,
		BaseURL:             cfg.Provider.BaseURL,
		Model:               cfg.Agent.Model,
		MaxTokens:           cfg.Agent.MaxTokens,
		ClassifyTemperature: cfg.Agent.ClassifyTemperature,
	})
	if err != nil {
		return nil, err
	}

	ankiClient := anki.NewHTTPClient(cfg.Anki.URL, time.Duration(cfg.Anki.TimeoutMs)*time.Millisecond)
	invoker := tools.NewInvoker(ankiClient, cfg.Anki.DeckName)

	return engine.New(engine.Options{
		LLM:      modelClient,
		Invoker:  invoker,
		Assessor: assess.NewEngine(modelClient, cfg.Agent.ClassifyTemperature),
		Detector: detect.NewDetector(modelClient, cfg.Detector.GapPhrases, cfg.Detector.Window),
		Registry: session.NewRegistry(nil),

		ChatTemperature:   cfg.Agent.ChatTemperature,
		CardBatchSize:     cfg.Anki.BatchSize,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
	}), nil
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	executor := opts.Executor
	if executor == nil {
		executor, err = newExecutor(cfg)
		if err != nil {
			return err
		}
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()
	sessionID := executor.StartSession(cfg.Session.Language, cfg.Anki.DeckName, 0)

	// Single message mode
	if messageFlag != "" {
		result, err := executor.HandleTurn(ctx, sessionID, messageFlag)
		if err != nil {
			return fmt.Errorf("turn error: %w", err)
		}
		fmt.Fprintln(stdout, result.Reply)
		return nil
	}

	// REPL mode
	fmt.Fprintln(stdout, "kotori practice session (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		result, err := executor.HandleTurn(ctx, sessionID, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, result.Reply)
		if result.Node == session.NodeEnd {
			break
		}
	}

	return executor.CloseSession(sessionID)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'kotori onboard' or set KOTORI_API_KEY / OPENAI_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client := anki.NewHTTPClient(cfg.Anki.URL, time.Duration(cfg.Anki.TimeoutMs)*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := client.CheckConnection(ctx)
	if err != nil {
		fmt.Printf("Anki: check failed (%v)\n", err)
	} else if !ok {
		fmt.Printf("Anki: not reachable at %s (is Anki running with AnkiConnect?)\n", cfg.Anki.URL)
	} else {
		if err := client.CreateDeck(ctx, cfg.Anki.DeckName); err != nil {
			fmt.Printf("Anki: could not create deck %q: %v\n", cfg.Anki.DeckName, err)
		} else {
			fmt.Printf("Anki: deck %q ready\n", cfg.Anki.DeckName)
		}
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set KOTORI_API_KEY environment variable")
	fmt.Println("  3. Run 'kotori chat' to start practicing")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Language: %s\n", cfg.Session.Language)
	fmt.Printf("Deck: %s\n", cfg.Anki.DeckName)
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("Reminders: enabled=%v\n", cfg.Reminder.Enabled)

	client := anki.NewHTTPClient(cfg.Anki.URL, time.Duration(cfg.Anki.TimeoutMs)*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := client.CheckConnection(ctx)
	switch {
	case err != nil:
		fmt.Printf("Anki: check failed (%v)\n", err)
	case !ok:
		fmt.Printf("Anki: not reachable at %s\n", cfg.Anki.URL)
	default:
		fmt.Printf("Anki: connected (%s)\n", cfg.Anki.URL)
		if stats, err := client.DeckStats(ctx, cfg.Anki.DeckName); err == nil {
			fmt.Printf("Deck %q: %d new, %d learning, %d review (%d total)\n",
				stats.Name, stats.NewCount, stats.LearnCount, stats.ReviewCount, stats.Total)
		}
	}

	return nil
}
