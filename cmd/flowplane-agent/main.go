// Flowplane Agent — процесс-исполнитель runs.
//
// Агент:
//   - Опрашивает свои work queues через API
//   - Просыпается по событиям run.scheduled из RabbitMQ
//   - Запускает runs локальными процессами (ProcessLauncher)
//   - Сообщает состояния RUNNING / COMPLETED / FAILED
//
// Агенты масштабируются горизонтально: lease-протокол гарантирует,
// что каждый run достанется ровно одному агенту.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Flowplane/internal/agent"
	"github.com/shaiso/Flowplane/internal/client"
	"github.com/shaiso/Flowplane/internal/mq"
	"github.com/shaiso/Flowplane/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting flowplane-agent")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	apiURL := os.Getenv("FLOWPLANE_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}

	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		agentID = "agent-" + uuid.NewString()[:8]
	}

	queues := []string{"default"}
	if v := os.Getenv("WORK_QUEUES"); v != "" {
		queues = strings.Split(v, ",")
		for i := range queues {
			queues[i] = strings.TrimSpace(queues[i])
		}
	}

	maxConcurrent := 0
	if v := os.Getenv("MAX_CONCURRENT_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxConcurrent = n
		}
	}

	// RabbitMQ — wakeup-события (опционально, polling работает и без них)
	var mqConn *mq.Connection
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}
	mqConn, err := mq.NewConnection(mqURL, agentID, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")
	}

	a, err := agent.New(agent.Config{
		API:           client.New(apiURL),
		Launcher:      &agent.ProcessLauncher{Logger: logger},
		AgentID:       agentID,
		Queues:        queues,
		Conn:          mqConn,
		MaxConcurrent: maxConcurrent,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to configure agent", "error", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		logger.Error("failed to start agent", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8082"
	if v := os.Getenv("AGENT_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Дожидаемся исполняемых runs
	a.Stop()
	logger.Info("flowplane-agent stopped")
}
