package app_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/broker"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/blob/fs"
	deliverymock "github.com/MrWong99/parley/pkg/provider/delivery/mock"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
)

// testConfig returns a minimal inline-pipeline config. The store, broker, and
// blob store are injected, so only the fields New reads directly matter.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Env:        config.EnvTest,
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
			LogFormat:  "json",
		},
		Auth:     config.AuthConfig{Mode: config.AuthNone},
		Pipeline: config.PipelineConfig{Mode: config.QueueInline, MaxAttempts: 3},
	}
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	dsn := os.Getenv("PARLEY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLEY_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	_, err = pool.Exec(ctx, `
		DROP TABLE IF EXISTS idempotency_keys, security_audit_events,
			connector_sessions, artifacts, chunks, meetings CASCADE`)
	if err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	st, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(st.Close)

	br, err := broker.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = br.Close() })

	blobs, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatalf("fs.New: %v", err)
	}

	a, err := app.New(ctx, testConfig(), &app.Providers{
		STT:      &sttmock.Provider{},
		LLM:      &llmmock.Provider{},
		Delivery: &deliverymock.Provider{},
	}, app.WithStore(st), app.WithBroker(br), app.WithBlobStore(blobs))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return a
}

func TestAppLifecycle(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Give the server a moment to bind, then shut everything down.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := a.Shutdown(shutCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestAppShutdownIsIdempotent(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
