package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"annotalk/internal/api"
	"annotalk/internal/botengine"
	"annotalk/internal/chat"
	"annotalk/internal/config"
	"annotalk/internal/onboarding"
	"annotalk/internal/qualify"
	"annotalk/internal/stats"
	"annotalk/internal/storage"
	"annotalk/internal/transcript"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the annotalk server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running annotalk server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show annotalk system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "annotalk.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "annotalk version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start: probe the health endpoint first.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := botengine.New(botengine.Config{
		Provider: cfg.Bot.Provider,
		BaseURL:  cfg.Bot.BaseURL,
		APIKey:   cfg.Bot.APIKey,
	})
	if err != nil {
		return fmt.Errorf("building bot engine: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	task := onboarding.DefaultTask()
	if cfg.Onboarding.TaskPath != "" {
		task, err = onboarding.LoadTask(cfg.Onboarding.TaskPath)
		if err != nil {
			return err
		}
	}

	contexts := chat.DefaultContexts()
	if cfg.Task.ContextsPath != "" {
		contexts, err = chat.LoadContexts(cfg.Task.ContextsPath)
		if err != nil {
			return err
		}
	}
	if cfg.Task.ContextDataset != "" {
		contexts, err = contexts.Filter(cfg.Task.ContextDataset)
		if err != nil {
			return fmt.Errorf("restricting contexts to task.context_dataset: %w", err)
		}
	}

	var annotationsConfig []byte
	if cfg.Task.AnnotationsConfigPath != "" {
		annotationsConfig, err = os.ReadFile(cfg.Task.AnnotationsConfigPath)
		if err != nil {
			return fmt.Errorf("reading annotations config: %w", err)
		}
	}

	saveDir := cfg.Task.SaveFolder
	if !filepath.IsAbs(saveDir) {
		saveDir = filepath.Join(cfg.Storage.DataDir, saveDir)
	}

	runStats := stats.NewRunStats()
	onboardOutcomes := stats.NewHistogram()
	roster := stats.NewRoster(cfg.Task.ConversationsNeeded)

	apiServer := api.NewServer(ctx, api.Deps{
		Store:             store,
		Sink:              transcript.NewSink(saveDir, cfg.Task.IsSandbox),
		Engine:            engine,
		Gate:              qualify.NewGate(store, cfg.Onboarding.FailQualification, cfg.Onboarding.BlockQualification),
		Roster:            roster,
		RunStats:          runStats,
		OnboardOutcomes:   onboardOutcomes,
		Contexts:          contexts,
		Task:              task,
		Cfg:               cfg,
		AnnotationsConfig: annotationsConfig,
		Token:             cfg.Server.APIToken,
	})

	topRouter := chi.NewRouter()
	topRouter.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	topRouter.Mount("/", apiServer.Handler())

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
	}

	// Monitoring MCP server on stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:           store,
		RunStats:        runStats,
		OnboardOutcomes: onboardOutcomes,
		Roster:          roster,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "annotalk listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("annotalk is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop annotalk (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to annotalk (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Bot provider", "%s", cfg.Bot.Provider)
	if cfg.Bot.Provider == "local" {
		engineResp, err := client.Get(cfg.Bot.BaseURL + "/api/tags")
		if err != nil {
			printStatus("Inference", "not running")
		} else {
			engineResp.Body.Close()
			printStatus("Inference", "running at %s", cfg.Bot.BaseURL)
		}
	}

	for bot, model := range cfg.Bot.ModelFiles {
		printStatus("Bot "+bot, "%s", model)
	}
	printStatus("Start mode", "%s", cfg.Task.ConversationStartMode)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
