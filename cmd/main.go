package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/budget"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/config"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/httpapi"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/llm"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/persistence"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/pipeline"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/progress"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/service"
	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/icron"
	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/log"
)

const shutdownTimeout = 10 * time.Second

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

// background runs until ctx is done.
type background func(ctx context.Context) error

func main() {
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.SetLogger(log.NewLoggerWithWriter(os.Stdout, log.ParseLevel(cfg.Log.Level), log.Format(cfg.Log.Format)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal("Orchestrator stopped: %v", err)
	}
	log.Info("Orchestrator stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, closer, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	broker := progress.NewBroker()
	observers := progress.Fanout{broker}
	var tasks []background

	var gate pipeline.BudgetGate = budget.Unlimited{}
	if cfg.Budget.PerJob > 0 {
		allowance, err := budget.NewAllowance(cfg.Budget.PerJob)
		if err != nil {
			return err
		}
		gate = allowance
		observers = append(observers, allowance)
	}

	if cfg.Redis.Enabled() {
		client, err := progress.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		publisher := progress.NewRedisPublisher(client, cfg.Redis.ChannelPrefix, cfg.Redis.Buffer)
		observers = append(observers, publisher)
		tasks = append(tasks, publisher.Run)
	}

	client, err := llm.NewClient(&llm.Config{
		APIKey:          cfg.LLM.APIKey,
		APIURL:          cfg.LLM.APIURL,
		Model:           cfg.LLM.Model,
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     cfg.LLM.Temperature,
		Timeout:         cfg.LLM.Timeout,
		PricePer1KToken: cfg.LLM.PricePer1KToken,
		SiteURL:         cfg.LLM.SiteURL,
		AppName:         cfg.LLM.AppName,
	})
	if err != nil {
		return err
	}
	provider := llm.NewProvider(client, cfg.LLM.ScoreCategories)

	policy := pipeline.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.Executor.RetryMaxAttempts
	policy.BaseDelay = cfg.Executor.RetryBaseDelay
	policy.MaxDelay = cfg.Executor.RetryMaxDelay
	executor := pipeline.NewExecutor(provider, provider, gate,
		pipeline.WithRetryPolicy(policy),
		pipeline.WithCallTimeout(cfg.Executor.CallTimeout),
		pipeline.WithTracker(progress.NewTracker(progress.DefaultWindow)),
	)

	queue := jobs.NewQueue(cfg.Scheduler.Workers, store,
		jobs.WithMaxQueued(cfg.Scheduler.MaxQueued),
		jobs.WithMaxResident(cfg.Scheduler.MaxResident),
		jobs.WithObserver(observers),
	)
	tasks = append(tasks, func(ctx context.Context) error {
		queue.Start(ctx, executor.Execute)
		<-ctx.Done()
		queue.Stop()
		return nil
	})

	defaults, err := config.OpenJobDefaultsStore(cfg.System.JobDefaultsFile)
	if err != nil {
		return err
	}
	orch := service.New(queue, broker, service.WithDefaults(defaults))

	serverOpts := []httpapi.Option{
		httpapi.WithJobDefaultsStore(defaults),
		httpapi.WithRequestTimeout(cfg.HTTP.RequestTimeout),
	}
	var sched scheduler
	cron := icron.NewCron()
	if cfg.Retention.Enabled() {
		retention := service.NewRetention(queue, cfg.Retention.MaxAge, cfg.Retention.CronExpr, cron)
		sched = retention
		serverOpts = append(serverOpts, httpapi.WithRetention(retention))
	}
	server := httpapi.NewServer(orch, serverOpts...)

	return runWithComponents(ctx, cfg.HTTP.Addr, sched, cron, server, tasks...)
}

func openStore(ctx context.Context, cfg *config.Config) (jobs.Store, io.Closer, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		log.Warn("Using in-memory job store; jobs are lost on restart")
		return jobs.NewMemoryStore(), io.NopCloser(nil), nil
	case config.DriverPostgres:
		store, err := persistence.NewPostgresStore(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, store, nil
	case config.DriverSQLite, "":
		store, err := persistence.NewSQLiteStore(cfg.DBPath())
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info("Job store: sqlite at %s", cfg.DBPath())
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// runWithComponents serves HTTP and runs the cron engine and background
// tasks until ctx is cancelled or one of them fails.
func runWithComponents(ctx context.Context, addr string, sched scheduler, cron cronEngine, srv httpServer, tasks ...background) error {
	if sched != nil {
		if err := sched.Schedule(ctx); err != nil {
			return fmt.Errorf("schedule retention: %w", err)
		}
	}
	cron.Start()
	defer func() {
		<-cron.Stop().Done()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
