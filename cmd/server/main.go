package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/api"
	"github.com/openbuilders/payout-orchestrator/internal/batcher"
	"github.com/openbuilders/payout-orchestrator/internal/compliance"
	"github.com/openbuilders/payout-orchestrator/internal/config"
	"github.com/openbuilders/payout-orchestrator/internal/events"
	"github.com/openbuilders/payout-orchestrator/internal/executor"
	"github.com/openbuilders/payout-orchestrator/internal/health"
	"github.com/openbuilders/payout-orchestrator/internal/log"
	"github.com/openbuilders/payout-orchestrator/internal/monitor"
	"github.com/openbuilders/payout-orchestrator/internal/notifier"
	"github.com/openbuilders/payout-orchestrator/internal/queue"
	"github.com/openbuilders/payout-orchestrator/internal/rail"
	"github.com/openbuilders/payout-orchestrator/internal/rail/baas"
	"github.com/openbuilders/payout-orchestrator/internal/rail/mock"
	"github.com/openbuilders/payout-orchestrator/internal/rail/ton"
	"github.com/openbuilders/payout-orchestrator/internal/ratelimit"
	"github.com/openbuilders/payout-orchestrator/internal/registry"
	"github.com/openbuilders/payout-orchestrator/internal/repository/memory"
	"github.com/openbuilders/payout-orchestrator/internal/repository/postgres"
	"github.com/openbuilders/payout-orchestrator/internal/scheduler"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type stores struct {
	jobs          scheduler.Store
	beneficiaries registry.Repository
	upserter      registry.Upserter
	compliance    compliance.Store
	queries       ton.Assignments
	db            health.DB
	close         func()
}

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log.Setup(cfg.LogLevel, cfg.LogFormat)

	// create the context and register signals that could cause its cancellation
	// and graceful shutdown
	ctx, stopSignals := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stopSignals()

	err = run(ctx, &cfg)
	if err != nil {
		slog.Error("payout orchestrator exited with an error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	instanceID := getInstanceID(cfg.PodName)

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	if cfg.BeneficiariesFile != "" {
		beneficiaries, err := registry.LoadSeed(cfg.BeneficiariesFile)
		if err != nil {
			return err
		}

		err = registry.Seed(ctx, st.upserter, beneficiaries)
		if err != nil {
			return err
		}

		slog.Info("Seeded beneficiaries", "count", len(beneficiaries))
	}

	var redisClient redis.UniversalClient
	if cfg.RedisURL != "" {
		slog.Info("Connecting to Redis...")

		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}

		client := redis.NewClient(opts)
		defer client.Close()

		redisClient = client
	}

	transferRail, err := openRail(ctx, cfg, st.queries)
	if err != nil {
		return err
	}

	bus := events.NewBus()

	tracker := compliance.New(&compliance.Config{
		DBTimeout: cfg.DBTimeout,
		RetryBase: cfg.BackoffBase,
		RetryMax:  cfg.BackoffMax,
	}, st.compliance)

	errorMonitor := monitor.New(&monitor.Config{Capacity: cfg.MonitorCapacity})

	bus.Subscribe("compliance", 256, tracker.Handle, events.JobFailed)
	bus.Subscribe("monitor", 256, errorMonitor.Handle)

	var rabbit *queue.Queue
	if cfg.RabbitURL != "" {
		rabbit = queue.New(&queue.Config{
			URL:               cfg.RabbitURL,
			ReconnectInterval: cfg.ReconnectInterval,
			ConnectTimeout:    5 * time.Second,
		})

		confirmations := notifier.New(&notifier.Config{
			Queue:          cfg.ConfirmationQueue,
			PublishTimeout: 5 * time.Second,
		}, rabbit)

		bus.Subscribe("notifier", 256, confirmations.Handle, events.JobSucceeded)
	}

	var opts []scheduler.Option
	if redisClient != nil && cfg.RateLimitPerSecond > 0 {
		opts = append(opts, scheduler.WithLimiter(ratelimit.NewRedis(&ratelimit.Config{
			PerSecond: cfg.RateLimitPerSecond,
			Prefix:    cfg.RateLimitPrefix,
			Scope:     cfg.Rail,
		}, redisClient)))
	}

	sched := scheduler.New(&scheduler.Config{
		Workers:          cfg.Workers,
		MaxRetries:       cfg.MaxRetries,
		BackoffBase:      cfg.BackoffBase,
		BackoffMax:       cfg.BackoffMax,
		DBTimeout:        cfg.DBTimeout,
		DueSweepSchedule: cfg.DueSweepSchedule,
		InstanceID:       instanceID,
		LeaseTTL:         cfg.LeaseTTL,
	},
		st.jobs,
		registry.New(&registry.Config{DBTimeout: cfg.DBTimeout}, st.beneficiaries),
		executor.New(&executor.Config{RailTimeout: cfg.RailTimeout}, transferRail),
		bus,
		opts...,
	)

	if rabbit != nil {
		intake := batcher.New(&batcher.Config{
			Queue:     cfg.IntakeQueue,
			Prefetch:  cfg.Workers * 2,
			DBTimeout: cfg.DBTimeout,
		}, sched)

		rabbit.RegisterWorker(intake.Run)
	}

	checker := health.NewChecker(&health.Config{
		RedisCheckInterval: cfg.HealthCheckInterval,
		DBCheckInterval:    cfg.HealthCheckInterval,
		CheckTimeout:       time.Second,
		ID:                 instanceID,
	}, st.db, redisClient)

	server := api.NewServer(&api.Config{
		ListenAddr:   "",
		ListenPort:   cfg.ListenPort,
		MetricsPort:  cfg.MetricsPort,
		ProbesPort:   cfg.ProbesPort,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		ID:           instanceID,
	}, sched, tracker, errorMonitor, checker)

	bus.Start()

	// Graceful shutdown handling
	stop := make(chan os.Signal, 1)

	errGroup, groupCtx := errgroup.WithContext(ctx)

	errGroup.Go(func() error {
		// when the app is interrupted, the signal will be sent to the stop channel
		waitForShutdown(groupCtx, stop)
		return nil
	})

	errGroup.Go(func() error {
		server.Start(groupCtx, stop)
		return nil
	})

	errGroup.Go(func() error {
		checker.Run(groupCtx)
		return nil
	})

	errGroup.Go(func() error {
		err := sched.Run(groupCtx)
		if err != nil && groupCtx.Err() == nil {
			slog.Error("Scheduler exited with an error", "error", err)
			return err
		}

		return nil
	})

	if rabbit != nil {
		errGroup.Go(func() error {
			err := rabbit.Start(groupCtx)
			if err != nil && groupCtx.Err() == nil {
				return err
			}

			return nil
		})
	}

	err = errGroup.Wait()

	// let the ledger writes of the last outcomes land before exiting
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bus.Close(closeCtx)

	return err
}

func openStores(ctx context.Context, cfg *config.Config) (stores, error) {
	if cfg.Store == config.StoreMemory {
		slog.Warn("Using the in-memory store, state is lost on restart")

		beneficiaries := memory.NewBeneficiaries()

		return stores{
			jobs:          memory.NewJobs(),
			beneficiaries: beneficiaries,
			upserter:      beneficiaries,
			compliance:    memory.NewComplianceErrors(),
			queries:       memory.NewQueryAssignments(),
			close:         func() {},
		}, nil
	}

	slog.Info("Connecting to Postgres...")

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return stores{}, fmt.Errorf("connect to Postgres: %w", err)
	}

	pg := postgres.New(pool, time.Second)

	err = pg.Ping(ctx)
	if err != nil {
		pool.Close()
		return stores{}, fmt.Errorf("check Postgres connection: %w", err)
	}

	err = pg.EnsureSchema(ctx)
	if err != nil {
		pool.Close()
		return stores{}, err
	}

	return stores{
		jobs:          pg,
		beneficiaries: pg,
		upserter:      pg,
		compliance:    pg,
		queries:       pg,
		db:            pg,
		close:         pool.Close,
	}, nil
}

func openRail(ctx context.Context, cfg *config.Config,
	queries ton.Assignments) (rail.Rail, error) {

	switch cfg.Rail {
	case config.RailBaaS:
		return baas.New(&baas.Config{
			BaseURL: cfg.BaaSBaseURL,
			APIKey:  cfg.BaaSAPIKey,
			Timeout: cfg.RailTimeout,
		}), nil

	case config.RailTON:
		slog.Info("Connecting to the TON lite servers...")

		client, err := ton.Connect(ctx, cfg.TONLightClientConfig)
		if err != nil {
			return nil, err
		}

		return ton.New(ctx, &ton.Config{
			Mnemonic:     cfg.TONMnemonic,
			Testnet:      cfg.TONTestnet,
			MessageTTL:   300 * time.Second,
			StartQueryID: cfg.TONStartQueryID,
		}, client, queries)

	default:
		slog.Warn("Using the mock rail, no money moves")
		return mock.New(), nil
	}
}

func waitForShutdown(ctx context.Context, stop chan<- os.Signal) {
	<-ctx.Done()
	slog.Debug("Received a graceful shutdown request")
	stop <- os.Interrupt
}

func getInstanceID(podName string) string {
	if podName != "" {
		return podName
	}

	return fmt.Sprint(uint32(rand.Int63n(int64(math.MaxUint32))))
}
