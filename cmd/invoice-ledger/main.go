package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/invoice-ledger/internal/invoice"
	"github.com/zombor/invoice-ledger/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// loadEnvFile reads KEY=value pairs from path into the environment; a missing file is fine
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("invoice-ledger")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		envFile     = fs.StringLong("env-file", ".env", "File with KEY=value secrets loaded before flags are parsed")
		ledgerPath  = fs.StringLong("ledger", "invoices.csv", "Ledger CSV file path")
		sessionsDB  = fs.StringLong("sessions-db", "invoice-ledger.db", "Review session database path")
		storagePath = fs.StringLong("storage", "./uploads", "Directory for uploaded originals")
		scannerType = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY / GOOGLE_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", scanning.DefaultGeminiModel, "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, bakllava, qwen2-vl)")
		throttle    = fs.DurationLong("throttle", time.Second, "Pause between two invoices of a batch")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		listModels  = fs.BoolLong("list-models", "List the models available to the scanner and exit")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	// The env file has to be loaded before ff reads the environment
	for i, arg := range os.Args[1:] {
		if v, ok := strings.CutPrefix(arg, "--env-file="); ok {
			*envFile = v
		} else if arg == "--env-file" && i+2 < len(os.Args) {
			*envFile = os.Args[i+2]
		}
	}
	if err := loadEnvFile(*envFile); err != nil {
		slog.Error("Failed to load env file", "error", err)
		os.Exit(1)
	}

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_LEDGER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Select the scanner provider
	var (
		provider scanning.Provider
		apiKey   string
	)
	switch *scannerType {
	case "gemini":
		apiKey = *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
		if apiKey == "" {
			slog.Warn("No Gemini API key configured; users must enter one per session")
		}
		slog.Info("Using Gemini scanner", "model", *geminiModel)
		provider = scanning.GeminiProvider{Model: *geminiModel}
	case "ollama":
		slog.Info("Using Ollama scanner", "url", *ollamaURL, "model", *ollamaModel)
		provider = scanning.OllamaProvider{BaseURL: *ollamaURL, Model: *ollamaModel}
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini or ollama")
		os.Exit(1)
	}

	if *listModels {
		if err := printModels(provider, apiKey); err != nil {
			slog.Error("Failed to list models", "error", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	slog.Info("Initializing session database...")
	sessions, err := invoice.NewBoltSessions(*sessionsDB)
	if err != nil {
		slog.Error("Failed to initialize session database", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	ledger, err := invoice.NewCSVLedger(*ledgerPath)
	if err != nil {
		slog.Error("Failed to initialize ledger", "error", err)
		os.Exit(1)
	}

	slog.Info("Initializing storage...")
	store, err := invoice.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	service := invoice.NewService(sessions, ledger, store, provider, invoice.Options{
		APIKey:   apiKey,
		Throttle: *throttle,
	})

	server := invoice.NewServer(service, invoice.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	})

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "ledger", ledger.Path())
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

// printModels prints the models that can generate content, one per line
func printModels(provider scanning.Provider, apiKey string) error {
	scanner, err := provider.Scanner(apiKey)
	if err != nil {
		return err
	}
	defer scanner.Close()

	lister, ok := scanner.(scanning.ModelLister)
	if !ok {
		return fmt.Errorf("scanner cannot list models")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	models, err := lister.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		fmt.Println(m)
	}
	return nil
}
