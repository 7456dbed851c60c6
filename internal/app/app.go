// Package app wires all Parley subsystems into a running service.
//
// New creates and connects everything from the configuration: the PostgreSQL
// store, the badger queue broker, the blob store, the staged pipeline with
// its worker pools, the connector lifecycle manager with its reconciliation
// loop, and the HTTP/WebSocket surface. Run executes all long-running loops
// under one errgroup until the context is cancelled, then drains and shuts
// down in reverse order.
//
// For testing, inject doubles via functional options (WithBlobStore,
// WithBroker, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/auth"
	"github.com/MrWong99/parley/internal/broker"
	"github.com/MrWong99/parley/internal/config"
	connectormgr "github.com/MrWong99/parley/internal/connector"
	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/httpapi"
	"github.com/MrWong99/parley/internal/ingest"
	"github.com/MrWong99/parley/internal/job"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/reconcile"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/internal/worker"
	"github.com/MrWong99/parley/internal/ws"
	"github.com/MrWong99/parley/pkg/blob"
	"github.com/MrWong99/parley/pkg/blob/fs"
	"github.com/MrWong99/parley/pkg/blob/gcs"
	"github.com/MrWong99/parley/pkg/provider/connector"
	"github.com/MrWong99/parley/pkg/provider/delivery"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Providers holds one interface value per provider slot. STT, LLM, and
// Delivery are required; Connector is nil when no conferencing provider is
// configured. Populated by main.go via the config registry.
type Providers struct {
	STT       stt.Provider
	LLM       llm.Provider
	Delivery  delivery.Provider
	Connector connector.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics    *observe.Metrics
	store      *store.Store
	broker     *broker.Broker
	blobs      blob.Store
	breakers   *resilience.Registry
	pipe       *pipeline.Pipeline
	ingestor   *ingest.Ingestor
	connector  *connectormgr.Manager
	reconciler *reconcile.Loop
	finalizer  *pipeline.Finalizer
	pools      []*worker.Pool
	server     *http.Server

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBlobStore injects a blob store instead of creating one from config.
func WithBlobStore(b blob.Store) Option {
	return func(a *App) { a.blobs = b }
}

// WithBroker injects a broker instead of opening one from config.
func WithBroker(b *broker.Broker) Option {
	return func(a *App) { a.broker = b }
}

// WithStore injects a relational store instead of connecting from config.
func WithStore(s *store.Store) Option {
	return func(a *App) { a.store = s }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}

	var err error
	if a.metrics, err = observe.NewMetrics(otel.GetMeterProvider()); err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initBroker(); err != nil {
		return nil, fmt.Errorf("app: init broker: %w", err)
	}
	if err := a.initBlobs(ctx); err != nil {
		return nil, fmt.Errorf("app: init blob store: %w", err)
	}
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	if err := a.initConnector(); err != nil {
		return nil, fmt.Errorf("app: init connector: %w", err)
	}
	if err := a.initWorkers(); err != nil {
		return nil, fmt.Errorf("app: init workers: %w", err)
	}
	if err := a.initHTTP(ctx); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	a.finalizer = pipeline.NewFinalizer(a.store, a.pipe,
		time.Duration(cfg.Pipeline.FinalizeInactivitySec)*time.Second)

	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	st, err := store.New(ctx, a.cfg.Storage.PostgresDSN)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, func() error { st.Close(); return nil })
	return nil
}

func (a *App) initBroker() error {
	if a.broker != nil {
		return nil
	}
	b, err := broker.Open(broker.Config{
		Path:     a.cfg.Broker.Path,
		InMemory: a.cfg.Broker.InMemory,
	})
	if err != nil {
		return err
	}
	a.broker = b
	a.closers = append(a.closers, b.Close)
	return nil
}

func (a *App) initBlobs(ctx context.Context) error {
	if a.blobs != nil {
		return nil
	}
	switch a.cfg.Storage.BlobMode {
	case config.StorageGCS:
		b, err := gcs.New(ctx, a.cfg.Storage.GCSBucket)
		if err != nil {
			return err
		}
		a.blobs = b
		a.closers = append(a.closers, b.Close)
	case config.StorageLocal, config.StorageSharedFS, "":
		b, err := fs.New(a.cfg.Storage.ChunksDir)
		if err != nil {
			return err
		}
		a.blobs = b
	default:
		return fmt.Errorf("unknown blob mode %q", a.cfg.Storage.BlobMode)
	}
	return nil
}

// brokerEnqueuer adapts the broker to the pipeline's Enqueuer interface,
// routing each envelope to its step's queue.
type brokerEnqueuer struct {
	b *broker.Broker
}

func (e brokerEnqueuer) Enqueue(ctx context.Context, env job.Envelope) error {
	q, err := e.b.Queue(env.Queue)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, env)
}

func (a *App) initPipeline() error {
	var enq pipeline.Enqueuer
	if a.cfg.Pipeline.Mode == config.QueueBroker {
		enq = brokerEnqueuer{b: a.broker}
	}

	pipe, err := pipeline.New(pipeline.Config{
		Store:       a.store,
		Blobs:       a.blobs,
		STT:         a.providers.STT,
		LLM:         a.providers.LLM,
		Delivery:    a.providers.Delivery,
		Metrics:     a.metrics,
		Enqueuer:    enq,
		MaxAttempts: a.cfg.Pipeline.MaxAttempts,
	})
	if err != nil {
		return err
	}
	a.pipe = pipe
	a.ingestor = ingest.New(a.store, a.blobs, pipe, a.metrics)
	return nil
}

func (a *App) initConnector() error {
	if a.providers.Connector == nil {
		return nil
	}
	cc := a.cfg.Connector

	a.breakers = resilience.NewRegistry(resilience.RegistryConfig{
		MaxFailures:  cc.CBFailureThreshold,
		ResetTimeout: time.Duration(cc.CBOpenSec) * time.Second,
		Store:        a.broker,
		OnTransition: func(name string, to resilience.State) {
			a.metrics.BreakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
				observe.Attr("provider", name),
				observe.Attr("to", to.String()),
			))
		},
	})

	mgr, err := connectormgr.New(a.providers.Connector, a.store, a.broker,
		a.breakers, a.ingestor, a.metrics, connectormgr.Config{
			OpLockTTL:             time.Duration(cc.OpLockTTLSec) * time.Second,
			JoinIdempotentTTL:     time.Duration(cc.JoinIdempotentTTLSec) * time.Second,
			Retries:               uint64(cc.Retries),
			RetryBackoff:          time.Duration(cc.RetryBackoffMS) * time.Millisecond,
			LivePullFailThreshold: cc.LivePullFailReconnectAt,
		})
	if err != nil {
		return err
	}
	a.connector = mgr

	a.reconciler = reconcile.New(mgr, reconcile.Config{
		Interval:         time.Duration(cc.ReconcileIntervalSec) * time.Second,
		StaleAfter:       time.Duration(cc.ReconcileStaleSec) * time.Second,
		ReconnectLimit:   cc.ReconciliationLimit,
		LivePullSessions: cc.LivePullSessionsLimit,
		LivePullBatch:    cc.LivePullBatchLimit,
		SelfHealBreaker:  cc.SelfHealBreaker,
		BreakerMinAge:    time.Duration(cc.CBAutoResetMinAgeSec) * time.Second,
	})
	return nil
}

func (a *App) initWorkers() error {
	if a.cfg.Pipeline.Mode != config.QueueBroker {
		return nil
	}
	pc := a.cfg.Pipeline

	// A dead-lettered job means the meeting cannot make progress on its own;
	// mark it failed so clients stop waiting. The status write is monotone,
	// a meeting that already finished stays finished.
	onDLQ := func(ctx context.Context, env job.Envelope, cause error) {
		err := a.store.UpdateStatus(ctx, env.MeetingID, store.StatusFailed, false)
		if err != nil && fault.ClassOf(err) != fault.ClassInvariant {
			observe.Logger(ctx).Error("mark meeting failed",
				"meeting_id", env.MeetingID, "error", err)
		}
	}

	for _, queueName := range job.Queues {
		q, err := a.broker.Queue(queueName)
		if err != nil {
			return err
		}
		pool, err := worker.NewPool(worker.Config{
			Queue:        q,
			Handler:      worker.HandlerFunc(a.pipe.Dispatch),
			Concurrency:  pc.WorkerConcurrency,
			Visibility:   time.Duration(pc.VisibilitySec) * time.Second,
			RetryBase:    time.Duration(pc.RetryBackoffMS) * time.Millisecond,
			DrainTimeout: time.Duration(pc.ShutdownDrainSec) * time.Second,
			Metrics:      a.metrics,
			OnDLQ:        onDLQ,
		})
		if err != nil {
			return err
		}
		a.pools = append(a.pools, pool)
	}
	return nil
}

func (a *App) initHTTP(ctx context.Context) error {
	authn, err := auth.New(ctx, a.cfg.Auth)
	if err != nil {
		return err
	}
	var sink auth.AuditSink
	if a.cfg.Auth.PersistAudit {
		sink = a.store
	}
	auditor := auth.NewAuditor(a.metrics, sink)

	checkers := []health.Checker{
		{Name: "database", Check: a.store.Ping},
		{Name: "blobs", Check: a.blobs.Probe},
		{Name: "broker", Check: func(ctx context.Context) error {
			q, err := a.broker.Queue(job.QueueSTT)
			if err != nil {
				return err
			}
			_, err = q.Depth(ctx)
			return err
		}},
	}

	srv := &httpapi.Server{
		Cfg:        a.cfg,
		Store:      a.store,
		Blobs:      a.blobs,
		Broker:     a.broker,
		Ingest:     a.ingestor,
		Pipeline:   a.pipe,
		Connector:  a.connector,
		Reconciler: a.reconciler,
		Auth:       authn,
		Auditor:    auditor,
		Metrics:    a.metrics,
		Health:     health.New(checkers...),
	}
	wsHandler := &ws.Handler{
		Ingest:  a.ingestor,
		Store:   a.store,
		Auth:    authn,
		Auditor: auditor,
		Metrics: a.metrics,
	}

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Router(wsHandler.Register),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Run starts the HTTP server and all background loops, blocking until ctx is
// cancelled or a subsystem fails fatally.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		observe.Logger(gctx).Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutCtx)
	})

	for _, pool := range a.pools {
		g.Go(func() error { return pool.Run(gctx) })
	}
	if a.reconciler != nil {
		g.Go(func() error { return a.reconciler.Run(gctx) })
	}
	g.Go(func() error { return a.finalizer.Run(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown tears down stores and the broker in reverse-init order. Call
// after Run returns.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
