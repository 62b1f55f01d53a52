package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/vietddude/reflow/internal/core/config"
	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/core/worker"
	"github.com/vietddude/reflow/internal/flow"
	"github.com/vietddude/reflow/internal/infra/executor"
	redisclient "github.com/vietddude/reflow/internal/infra/redis"
	"github.com/vietddude/reflow/internal/infra/storage"
	"github.com/vietddude/reflow/internal/infra/storage/file"
	"github.com/vietddude/reflow/internal/infra/storage/memory"
	"github.com/vietddude/reflow/internal/infra/storage/postgres"
	"github.com/vietddude/reflow/internal/interaction"
	"github.com/vietddude/reflow/internal/log"
	"github.com/vietddude/reflow/internal/recovery"
	"github.com/vietddude/reflow/internal/server"
	"github.com/vietddude/reflow/internal/telemetry"
)

const telemetryBuffer = 1024

// Runner is the application root. It owns storage, the decision channel,
// telemetry and the HTTP server, and runs flows with a fresh recovery
// engine each.
type Runner struct {
	cfg        *config.AppConfig
	steps      flow.StepExecutor
	registry   *recovery.Registry
	classifier recovery.Classifier
	channel    interaction.Channel
	inbox      interaction.Inbox
	results    storage.ResultRepository
	checks     map[string]storage.HealthChecker
	bus        *telemetry.Bus
	server     *server.Server
	pruner     *worker.Pruner
	db         *postgres.DB
	redis      *redisclient.Client
	log        *slog.Logger

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	flows     sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type Option func(*Runner)

// WithStepExecutor overrides the executor selected by configuration.
func WithStepExecutor(s flow.StepExecutor) Option {
	return func(r *Runner) { r.steps = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// New creates a Runner with all dependencies initialized.
func New(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*Runner, error) {
	r := &Runner{
		cfg:     cfg,
		checks:  make(map[string]storage.HealthChecker),
		running: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = log.OrDefault(r.log)
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if err := r.init(ctx); err != nil {
		r.closeClients()
		r.cancel()
		return nil, err
	}
	return r, nil
}

func (r *Runner) init(ctx context.Context) error {
	cfg := r.cfg

	// 1. Step executor
	if r.steps == nil {
		switch cfg.Executor.Type {
		case config.ExecutorHTTP:
			h, err := executor.NewHTTP(cfg.Executor.HTTP, r.log)
			if err != nil {
				return fmt.Errorf("failed to init executor: %w", err)
			}
			r.steps = h
		default:
			r.steps = executor.NewDryRun(r.log)
		}
	}

	// 2. Recovery building blocks
	registry, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("failed to build alternative flows: %w", err)
	}
	r.registry = registry
	r.classifier = cfg.Classifier()

	// 3. Shared clients
	if cfg.Storage.Driver == config.StorageRedis || cfg.Interaction.Channel == config.ChannelRedis {
		r.redis, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to init redis: %w", err)
		}
		r.checks["redis"] = r.redis
	}
	if cfg.Storage.Driver == config.StoragePostgres {
		r.db, err = postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		r.checks["postgres"] = r.db
	}

	// 4. Result storage
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		r.results = postgres.NewResultRepo(r.db)
		r.log.Info("Using PostgreSQL storage")
	case config.StorageRedis:
		r.results = redisclient.NewResultRepo(r.redis)
		r.log.Info("Using Redis storage")
	case config.StorageFile:
		repo, err := file.NewResultRepo(afero.NewOsFs(), cfg.Storage.Dir)
		if err != nil {
			return err
		}
		r.results = repo
		r.log.Info("Using file storage", slog.String("dir", cfg.Storage.Dir))
	default:
		r.results = memory.NewResultRepo()
		r.log.Info("Using Memory storage")
	}

	// 5. Decision channel
	switch cfg.Interaction.Channel {
	case config.ChannelRedis:
		q := redisclient.NewDecisionQueue(r.redis)
		r.channel, r.inbox = q, q
	case config.ChannelFile:
		c, err := interaction.NewFileChannel(cfg.Interaction.Dir, r.log)
		if err != nil {
			return err
		}
		r.channel, r.inbox = c, c
	default:
		b := interaction.NewBroker()
		r.channel, r.inbox = b, b
	}

	// 6. Telemetry, workers, HTTP
	r.bus = telemetry.NewBus(telemetry.Multi{
		telemetry.NewLogSink(r.log),
		telemetry.NewPrometheusSink(),
	}, telemetryBuffer, r.log)
	r.pruner = worker.NewPruner(cfg.Retention, r.results, r.log)
	r.server = server.NewServer(server.Config{
		Port:    cfg.Server.Port,
		Runner:  r,
		Results: r.results,
		Inbox:   r.inbox,
		Checks:  r.checks,
		Logger:  r.log,
	})
	return nil
}

// Results returns the flow result store.
func (r *Runner) Results() storage.ResultRepository { return r.results }

// Inbox returns the operator side of the decision channel.
func (r *Runner) Inbox() interaction.Inbox { return r.inbox }

// Start launches the HTTP server and background workers. It does not block.
func (r *Runner) Start(ctx context.Context) error {
	go func() {
		if err := r.server.Start(); err != nil {
			r.log.Error("HTTP server failed", log.Error(err))
		}
	}()

	if r.db != nil {
		r.db.StartMetricsCollector(ctx)
	}
	if r.cfg.Retention.Period > 0 {
		r.log.Info("Starting pruner", slog.Duration("retention", r.cfg.Retention.Period))
		go r.pruner.Start(ctx)
	}
	return nil
}

// Stop shuts the server down, waits for running flows until ctx expires,
// then cancels the rest and releases clients.
func (r *Runner) Stop(ctx context.Context) error {
	r.log.Info("Stopping reflow...")
	err := r.server.Stop(ctx)

	done := make(chan struct{})
	go func() {
		r.flows.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("Cancelling running flows", slog.Int("count", r.runningCount()))
		r.cancel()
		<-done
	}

	r.Close()
	return err
}

// Close releases clients without waiting for flows.
func (r *Runner) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		if r.bus != nil {
			r.bus.Close()
		}
		r.closeClients()
	})
}

func (r *Runner) closeClients() {
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.log.Warn("Failed to close Redis", log.Error(err))
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.log.Warn("Failed to close database", log.Error(err))
		}
	}
}

// RunPlan executes plan synchronously and stores its result.
func (r *Runner) RunPlan(ctx context.Context, plan *domain.FlowPlan) domain.FlowResult {
	engine := recovery.NewEngine(r.cfg.Recovery, r.steps,
		recovery.WithClassifier(r.classifier),
		recovery.WithRegistry(r.registry),
		recovery.WithChannel(r.channel),
		recovery.WithLogger(r.log),
	)
	x := flow.NewExecutor(r.steps, engine,
		flow.WithSink(r.bus),
		flow.WithLogger(r.log),
	)
	res := x.Execute(ctx, plan)

	// Persist even if the flow's own context is done
	saveCtx := context.WithoutCancel(ctx)
	if err := r.results.Save(saveCtx, &res); err != nil {
		r.log.Error("Failed to store flow result", log.FlowID(res.FlowID), log.Error(err))
	}
	return res
}

// Submit implements server.FlowRunner.
func (r *Runner) Submit(plan *domain.FlowPlan) (string, error) {
	if plan == nil {
		return "", errors.New("flow plan is nil")
	}
	p := *plan
	if p.FlowID == "" {
		p.FlowID = uuid.NewString()
	}

	r.mu.Lock()
	if _, ok := r.running[p.FlowID]; ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", flow.ErrFlowRunning, p.FlowID)
	}
	if limit := r.cfg.Server.MaxConcurrent; limit > 0 && len(r.running) >= limit {
		r.mu.Unlock()
		return "", flow.ErrAtCapacity
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.running[p.FlowID] = cancel
	r.flows.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.flows.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, p.FlowID)
			r.mu.Unlock()
			cancel()
		}()
		r.RunPlan(ctx, &p)
	}()
	return p.FlowID, nil
}

// Running implements server.FlowRunner.
func (r *Runner) Running(flowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[flowID]
	return ok
}

func (r *Runner) runningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}
