package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/careloop/careloop/internal/api"
	"github.com/careloop/careloop/internal/catalog"
	"github.com/careloop/careloop/internal/gate"
	"github.com/careloop/careloop/internal/genai"
	"github.com/careloop/careloop/internal/pipeline"
	"github.com/careloop/careloop/internal/safety"
	"github.com/careloop/careloop/internal/store"
	"github.com/careloop/careloop/internal/util"
)

// Default configuration constants.
const (
	// DefaultStateDir is the default directory for CareLoop state data.
	DefaultStateDir = "/var/lib/careloop"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "careloop.db"
	// DefaultAPIAddr is the default API listen address.
	DefaultAPIAddr = ":8080"
	// DefaultSweepInterval is how often the idle sweep runs.
	DefaultSweepInterval = time.Minute
)

// Config holds environment configuration.
type Config struct {
	DSN           string
	StateDir      string
	CatalogDir    string
	OpenAIKey     string
	Model         string
	APIAddr       string
	SweepInterval time.Duration
}

func main() {
	initializeLogger()
	config := loadEnvironmentConfig()
	parseCommandLineFlags(&config)

	cat, err := loadCatalog(config.CatalogDir)
	if err != nil {
		slog.Error("Failed to load technique catalog", "error", err, "catalogDir", config.CatalogDir)
		os.Exit(1)
	}

	st, err := openStore(config)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	classifier, renderer := buildGenAI(config, st)
	pl := pipeline.New(st, classifier, cat, renderer)
	startIdleSweep(pl, config.SweepInterval)

	slog.Info("Bootstrapping CareLoop", "apiAddr", config.APIAddr, "techniques", cat.Len())
	if err := api.NewServer(pl, st).Run(config.APIAddr); err != nil {
		slog.Error("CareLoop failed to run", "error", err)
		os.Exit(1)
	}
}

// initializeLogger sets up structured logging with debug level.
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from the environment and an
// optional .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DSN:           os.Getenv("CARELOOP_DB_DSN"),
		StateDir:      util.GetEnvWithFallback("CARELOOP_STATE_DIR", DefaultStateDir),
		CatalogDir:    os.Getenv("CARELOOP_CATALOG_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		Model:         os.Getenv("CARELOOP_MODEL"),
		APIAddr:       util.GetEnvWithFallback("CARELOOP_API_ADDR", DefaultAPIAddr),
		SweepInterval: util.ParseDurationEnv("CARELOOP_SWEEP_INTERVAL", DefaultSweepInterval),
	}
	return config
}

// parseCommandLineFlags lets flags override the environment configuration.
func parseCommandLineFlags(config *Config) {
	dsn := flag.String("db-dsn", config.DSN, "database DSN (postgres:// URL or SQLite file path)")
	stateDir := flag.String("state-dir", config.StateDir, "directory for state data")
	catalogDir := flag.String("catalog-dir", config.CatalogDir, "technique catalog override directory (empty uses embedded defaults)")
	apiAddr := flag.String("api-addr", config.APIAddr, "API listen address")
	openaiKey := flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (empty runs with canned replies only)")
	model := flag.String("model", config.Model, "chat model override")
	flag.Parse()

	config.DSN = *dsn
	config.StateDir = *stateDir
	config.CatalogDir = *catalogDir
	config.APIAddr = *apiAddr
	config.OpenAIKey = *openaiKey
	config.Model = *model
}

func loadCatalog(dir string) (*catalog.Catalog, error) {
	if dir != "" {
		return catalog.LoadDir(dir)
	}
	return catalog.LoadDefault()
}

// openStore picks the backend by DSN scheme: postgres:// URLs go to
// PostgreSQL, everything else is treated as a SQLite file path.
func openStore(config Config) (store.Store, error) {
	dsn := config.DSN
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	if dsn == "" {
		if err := os.MkdirAll(config.StateDir, 0o755); err != nil {
			return nil, err
		}
		dsn = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No CARELOOP_DB_DSN set, using SQLite default", "path", dsn)
	}
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildGenAI wires the model collaborators. Without an API key the service
// still runs: classification degrades to the rule layer plus caution_mild
// and the gate serves canned content.
func buildGenAI(config Config, st store.Store) (pipeline.Classifier, pipeline.Renderer) {
	if config.OpenAIKey == "" {
		slog.Warn("OPENAI_API_KEY not set, running without model collaborators")
		return safety.NewClassifier(nil, st), gate.New(nil)
	}

	opts := []genai.Option{genai.WithAPIKey(config.OpenAIKey)}
	if config.Model != "" {
		opts = append(opts, genai.WithModel(config.Model))
	}
	client, err := genai.NewClient(opts...)
	if err != nil {
		slog.Error("Failed to initialize GenAI client, continuing without it", "error", err)
		return safety.NewClassifier(nil, st), gate.New(nil)
	}
	return safety.NewClassifier(client, st), gate.New(client)
}

// startIdleSweep runs the idle policy on a fixed interval.
func startIdleSweep(pl *pipeline.Pipeline, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for now := range ticker.C {
			acted, err := pl.SweepIdle(context.Background(), now.UTC())
			if err != nil {
				slog.Error("Idle sweep failed", "error", err)
				continue
			}
			if acted > 0 {
				slog.Info("Idle sweep acted on stale conversations", "count", acted)
			}
		}
	}()
}
