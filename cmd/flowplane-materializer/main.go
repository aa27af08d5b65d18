// Flowplane Materializer — превращает активные расписания deployments
// в конкретные SCHEDULED runs, помечает просроченные runs маркером LATE
// и возвращает runs с истёкшим lease в очередь.
//
// Допускает несколько реплик: лидерство удерживается через
// pg advisory lock, тики выполняет только лидер. Вставка runs
// идемпотентна, поэтому потеря и повторный захват лидерства безопасны.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Flowplane/internal/materializer"
	"github.com/shaiso/Flowplane/internal/mq"
	"github.com/shaiso/Flowplane/internal/repo"
	"github.com/shaiso/Flowplane/internal/router"
	"github.com/shaiso/Flowplane/internal/telemetry"
)

const materializerLockKey int64 = 727272

var (
	runsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowplane_materializer_runs_created_total",
		Help: "Runs inserted by schedule materialization",
	})
	runsLate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowplane_materializer_runs_late_total",
		Help: "Scheduled runs marked LATE",
	})
	runsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowplane_materializer_runs_requeued_total",
		Help: "Runs returned to SCHEDULED after lease expiry",
	})
	runsCrashed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowplane_materializer_runs_crashed_total",
		Help: "Runs moved to CRASHED after repeated lease expiries",
	})
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowplane_materializer_tick_seconds",
		Help:    "Materializer tick duration",
		Buckets: prometheus.DefBuckets,
	})
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting flowplane-materializer")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, "flowplane-materializer")
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	deploymentRepo := repo.NewDeploymentRepo(pool)
	runRepo := repo.NewFlowRunRepo(pool)
	queueRepo := repo.NewWorkQueueRepo(pool)

	// RabbitMQ — wakeup-события для агентов (best-effort)
	var publisher *mq.Publisher
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}
	mqConn, err := mq.NewConnection(mqURL, "flowplane-materializer", logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, agents rely on polling", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		publisher = mq.NewPublisher(mqConn, logger)
		logger.Info("RabbitMQ connected")
	}

	horizon := 24 * time.Hour
	if v := os.Getenv("MATERIALIZE_HORIZON_HOURS"); v != "" {
		if h, err := strconv.Atoi(v); err == nil && h > 0 {
			horizon = time.Duration(h) * time.Hour
		}
	}

	m := materializer.New(materializer.Config{
		Deployments: deploymentRepo,
		Runs:        runRepo,
		Router:      router.New(queueRepo, logger),
		Publisher:   publisher,
		Horizon:     horizon,
		Logger:      logger,
	})

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	tickInterval := 5 * time.Second
	if v := os.Getenv("TICK_INTERVAL_SEC"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			tickInterval = time.Duration(s) * time.Second
		}
	}

	// materializer loop
	go func() {
		tk := time.NewTicker(tickInterval)
		defer tk.Stop()

		// Advisory lock живёт в сессии Postgres, поэтому лидерство
		// держится на выделенном соединении, а не на пуле: лок и
		// unlock обязаны попасть в одну и ту же сессию.
		var leader *pgxpool.Conn
		releaseLeader := func() {
			if leader == nil {
				return
			}
			_, _ = leader.Exec(context.Background(), "select pg_advisory_unlock($1)", materializerLockKey)
			leader.Release()
			leader = nil
		}
		defer releaseLeader()

		for {
			select {
			case <-tk.C:
				// сессия умерла — лидерство потеряно вместе с ней
				if leader != nil && leader.Conn().IsClosed() {
					logger.Warn("leader connection lost, standing down")
					leader.Release()
					leader = nil
				}

				// пытаемся стать лидером
				if leader == nil {
					conn, err := pool.Acquire(ctx)
					if err != nil {
						logger.Error("acquire leader connection", "error", err)
						continue
					}
					var ok bool
					if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", materializerLockKey).Scan(&ok); err != nil {
						logger.Error("leader lock error", "error", err)
						conn.Release()
						continue
					}
					if !ok {
						// не лидер — пропускаем тик
						conn.Release()
						continue
					}
					leader = conn
					logger.Info("acquired leadership")
				}

				started := time.Now()
				stats, err := m.Tick(ctx)
				tickDuration.Observe(time.Since(started).Seconds())
				if err != nil {
					logger.Error("tick failed", "error", err)
					continue
				}

				runsCreated.Add(float64(stats.RunsCreated))
				runsLate.Add(float64(stats.MarkedLate))
				runsRequeued.Add(float64(stats.Requeued))
				runsCrashed.Add(float64(stats.Crashed))

			case <-ctx.Done():
				return
			}
		}
	}()

	// serve
	port := ":8081"
	if v := os.Getenv("MATERIALIZER_PORT"); v != "" {
		port = ":" + v
	}
	logger.Info("listening", "addr", port)
	if err := http.ListenAndServe(port, mux); err != nil {
		logger.Error("http server error", "error", err)
		cancel()
	}
}
