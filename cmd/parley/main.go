// Command parley is the meeting analytics backend: chunked audio in,
// transcripts, reports, and scorecards out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/readiness"
	connectorprovider "github.com/MrWong99/parley/pkg/provider/connector"
	"github.com/MrWong99/parley/pkg/provider/connector/jazz"
	connectormock "github.com/MrWong99/parley/pkg/provider/connector/mock"
	"github.com/MrWong99/parley/pkg/provider/delivery"
	deliverymock "github.com/MrWong99/parley/pkg/provider/delivery/mock"
	"github.com/MrWong99/parley/pkg/provider/delivery/smtp"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	sttopenai "github.com/MrWong99/parley/pkg/provider/stt/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	checkOnly := flag.Bool("check", false, "evaluate configuration readiness and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server))

	// The readiness gate runs before anything connects: a production config
	// with error-severity issues never gets as far as opening the store.
	issues := readiness.Evaluate(cfg)
	for _, issue := range issues {
		if issue.Severity == readiness.SeverityError {
			slog.Error("readiness issue", "code", issue.Code, "message", issue.Message)
		} else {
			slog.Warn("readiness issue", "code", issue.Code, "message", issue.Message)
		}
	}
	hasErrors := len(readiness.Errors(issues)) > 0
	if *checkOnly {
		if hasErrors {
			return 1
		}
		return 0
	}
	if hasErrors && cfg.Server.Env.IsProd() && cfg.Readiness.FailFast {
		slog.Error("refusing to start with readiness errors in production")
		return 1
	}

	slog.Info("parley starting",
		"config", *configPath,
		"env", cfg.Server.Env,
		"listen_addr", cfg.Server.ListenAddr,
		"pipeline_mode", cfg.Pipeline.Mode,
		"connector", cfg.Connector.Provider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "parley"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newLogger builds the process logger per the server config.
func newLogger(sc config.ServerConfig) *slog.Logger {
	var level slog.Level
	switch sc.LogLevel {
	case config.LogDebug:
		level = slog.LevelDebug
	case config.LogWarn:
		level = slog.LevelWarn
	case config.LogError:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if sc.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// buildProviders instantiates the configured provider implementations.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	p := &app.Providers{}
	var err error

	if p.STT, err = buildSTT(cfg.Providers.STT); err != nil {
		return nil, fmt.Errorf("stt provider: %w", err)
	}
	if p.LLM, err = buildLLM(cfg.Providers.LLM); err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	if p.Delivery, err = buildDelivery(cfg.Providers.Delivery); err != nil {
		return nil, fmt.Errorf("delivery provider: %w", err)
	}
	if p.Connector, err = buildConnector(cfg.Connector); err != nil {
		return nil, fmt.Errorf("connector provider: %w", err)
	}
	return p, nil
}

func buildSTT(entry config.ProviderEntry) (stt.Provider, error) {
	switch entry.Name {
	case "openai", "":
		var opts []sttopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		return sttopenai.New(entry.APIKey, entry.Model, opts...)
	case "mock":
		return &sttmock.Provider{}, nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", entry.Name)
	}
}

func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "mock":
		return &llmmock.Provider{}, nil
	case "":
		return nil, errors.New("providers.llm.name is required")
	default:
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)
	}
}

func buildDelivery(entry config.ProviderEntry) (delivery.Provider, error) {
	switch entry.Name {
	case "smtp":
		return smtp.New(smtp.Config{
			Host:     optString(entry.Options, "host"),
			Port:     optInt(entry.Options, "port"),
			Username: optString(entry.Options, "username"),
			Password: entry.APIKey,
			From:     optString(entry.Options, "from"),
		})
	case "mock", "":
		return &deliverymock.Provider{}, nil
	default:
		return nil, fmt.Errorf("unknown delivery provider %q", entry.Name)
	}
}

func buildConnector(cc config.ConnectorConfig) (connectorprovider.Provider, error) {
	switch cc.Provider {
	case "jazz":
		return jazz.New(jazz.Config{
			BaseURL: cc.APIBase,
			Token:   cc.APIToken,
			Timeout: time.Duration(cc.TimeoutSec) * time.Second,
		})
	case "mock":
		return &connectormock.Provider{}, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown connector provider %q", cc.Provider)
	}
}

// optString reads a string value from a provider's options map.
func optString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

// optInt reads an integer value from a provider's options map. YAML decodes
// small numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
