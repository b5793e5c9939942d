package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay/pkg/attachments"
	"relay/pkg/channels"
	_ "relay/pkg/channels/autoload"
	"relay/pkg/config"
	"relay/pkg/gateway"
	"relay/pkg/handler"
	"relay/pkg/llm"
	_ "relay/pkg/llm/autoload"
	"relay/pkg/llm/gemini"
	"relay/pkg/monitor"
	"relay/pkg/trim"

	"github.com/spf13/cobra"
)

// defaultCountModel is used by the gemini token counter when no model is set.
const defaultCountModel = "gemini-2.5-flash"

var (
	configPath string
	systemPath string
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Chat gateway streaming LLM answers to Telegram and the browser",
	Long: `relay connects chat channels (Telegram, a browser WebSocket) to LLM
providers. Conversations are trimmed to the model's token budget and answers
are streamed back at a steady pace, with thinking and sources split out.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stored attachments older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys := config.LoadSystemConfig(systemPath)
		monitor.SetupSlog(sys.LogLevel)
		n, err := pruneAttachments(newResolver(sys), sys)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d attachment(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "application config (channels, llm, system prompt)")
	rootCmd.PersistentFlags().StringVarP(&systemPath, "system", "s", "system.json", "engine parameters, reloaded on change")
	rootCmd.AddCommand(pruneCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, sys, err := config.Load(configPath, systemPath)
	if err != nil {
		return err
	}

	monitor.SetupSlog(sys.LogLevel)
	monitor.PrintBanner()

	// --- 1. LLM ---
	client, err := llm.NewFromConfig(cfg.LLM, sys)
	if err != nil {
		return fmt.Errorf("failed to init LLM client: %w", err)
	}

	counter, err := newTokenCounter(cfg.TokenCounter)
	if err != nil {
		return fmt.Errorf("failed to init token counter: %w", err)
	}

	// --- 2. Storage ---
	store := newResolver(sys)
	if n, err := pruneAttachments(store, sys); err != nil {
		slog.Warn("Attachment cleanup failed", "error", err)
	} else if n > 0 {
		slog.Info("Expired attachments removed", "count", n)
	}
	sessions := llm.NewSessionManager(sys.HistoryDir)

	// --- 3. Handler and gateway ---
	live := config.NewLiveSystemConfig(sys)
	chat := handler.NewChatHandler(handler.Options{
		Client:       client,
		Sessions:     sessions,
		System:       live,
		Attachments:  store,
		Counter:      counter,
		SystemPrompt: cfg.SystemPrompt,
	})

	gw, err := gateway.NewGatewayBuilder().
		WithSystemConfig(sys).
		WithMonitor(monitor.NewCLIMonitor()).
		WithChannel(channels.LoadFromConfig(cfg.Channels, channels.Deps{
			Sessions:    sessions,
			Attachments: store,
			System:      sys,
		})...).
		WithHandler(chat).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	config.WatchSystemConfig(ctx, systemPath, live, func(s *config.SystemConfig) {
		monitor.SetLevel(s.LogLevel)
		client.SetDebug(s.DebugChunks)
	})

	slog.Info("Relay started", "provider", client.Provider(), "token_limit", sys.TokenLimit)

	<-ctx.Done()
	slog.Info("Received shutdown signal. Stopping services...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := chat.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Responses still running at shutdown", "error", err)
	}
	gw.StopAll()
	slog.Info("Bye!")
	return nil
}

func newResolver(sys *config.SystemConfig) *attachments.Resolver {
	return attachments.NewResolver(sys.AttachmentsDir, sys.MaxAttachmentBytes, time.Duration(sys.DownloadTimeoutMs)*time.Millisecond)
}

func pruneAttachments(store *attachments.Resolver, sys *config.SystemConfig) (int, error) {
	if sys.AttachmentRetentionHours <= 0 {
		return 0, nil
	}
	return store.Prune(time.Duration(sys.AttachmentRetentionHours) * time.Hour)
}

func newTokenCounter(cfg config.TokenCounterConfig) (trim.TokenCounter, error) {
	if cfg.Type != "gemini" {
		return trim.EstimateCounter{}, nil
	}
	model := cfg.Model
	if model == "" {
		model = defaultCountModel
	}
	return gemini.NewTokenCounter(cfg.APIKey, model, "")
}
