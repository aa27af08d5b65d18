// Flowplane API — HTTP control plane для deployments, work queues,
// runs и протокола агентов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Flowplane/internal/api"
	"github.com/shaiso/Flowplane/internal/dispatch"
	"github.com/shaiso/Flowplane/internal/mq"
	"github.com/shaiso/Flowplane/internal/registry"
	"github.com/shaiso/Flowplane/internal/repo"
	"github.com/shaiso/Flowplane/internal/router"
	"github.com/shaiso/Flowplane/internal/telemetry"
)

var (
	startTime = time.Now()
	reqTotal  = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowplane_api_http_requests_total",
		Help: "Total HTTP requests handled by flowplane_api",
	})
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting flowplane-api")

	// Подключаемся к базе данных
	pool, err := repo.NewPool(context.Background(), "flowplane-api")
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	// Создаём репозитории
	flowRepo := repo.NewFlowRepo(pool)
	deploymentRepo := repo.NewDeploymentRepo(pool)
	runRepo := repo.NewFlowRunRepo(pool)
	queueRepo := repo.NewWorkQueueRepo(pool)
	agentRepo := repo.NewAgentRepo(pool)

	// RabbitMQ — события best-effort, API работает и без брокера
	var publisher *mq.Publisher
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}
	mqConn, err := mq.NewConnection(mqURL, "flowplane-api", logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, events disabled", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(context.Background(), mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		publisher = mq.NewPublisher(mqConn, logger)
		logger.Info("RabbitMQ connected")
	}

	// Сервисы control plane
	reg := registry.New(registry.Config{
		Flows:       flowRepo,
		Deployments: deploymentRepo,
		Runs:        runRepo,
		Queues:      queueRepo,
		Logger:      logger,
	})
	dispatcher := dispatch.New(dispatch.Config{
		Runs:        runRepo,
		Queues:      queueRepo,
		Deployments: deploymentRepo,
		Agents:      agentRepo,
		Logger:      logger,
	})
	runRouter := router.New(queueRepo, logger)

	// Создаём API handler
	handler := api.NewHandler(api.Config{
		Registry:   reg,
		Dispatcher: dispatcher,
		Router:     runRouter,
		FlowRepo:   flowRepo,
		RunRepo:    runRepo,
		QueueRepo:  queueRepo,
		AgentRepo:  agentRepo,
		Publisher:  publisher,
		Logger:     logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		reqTotal.Inc()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Регистрируем API маршруты
	handler.RegisterRoutes(mux)

	addr := ":8080"
	if v := os.Getenv("API_PORT"); v != "" {
		addr = ":" + v
	}

	// Создаём HTTP сервер с возможностью graceful shutdown
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	// Запускаем сервер в горутине
	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Ожидаем сигнал завершения
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
