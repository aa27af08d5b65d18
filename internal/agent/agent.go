// Package agent реализует процесс-исполнитель runs.
//
// Агент — stateless компонент вне control plane, который:
//   - Опрашивает свои work queues через API (polling)
//   - Просыпается по событию run.scheduled из RabbitMQ (event-driven)
//   - Скачивает исходники flow по storage ref
//   - Запускает run через Launcher и сообщает RUNNING
//   - По завершении сообщает терминальное состояние
//   - Периодически шлёт heartbeat
//
// Polling — источник истины: события из MQ только сокращают задержку
// между материализацией run и его подхватом. Агенты масштабируются
// горизонтально — lease-протокол на стороне сервера гарантирует, что
// каждый run достанется ровно одному агенту.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Flowplane/internal/client"
	"github.com/shaiso/Flowplane/internal/domain"
	"github.com/shaiso/Flowplane/internal/mq"
)

// Default configuration values.
const (
	defaultPollInterval      = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultBatchSize         = 10
	defaultMaxConcurrent     = 10
	defaultMQPrefetch        = 5
)

// API — подмножество операций control plane, которым пользуется агент.
// Реализуется client.Client.
type API interface {
	Poll(queueName, agentID string, limit int) ([]client.ClaimedRunResponse, error)
	ReportRunning(runID, agentID string) error
	ReportTerminal(runID, agentID, state, reason string) error
	Heartbeat(agentID string, queues []string) error
}

// Agent опрашивает work queues и исполняет выданные runs.
type Agent struct {
	api      API
	launcher Launcher
	fetcher  SourceFetcher

	agentID string
	queues  []string

	conn     *mq.Connection
	consumer *mq.Consumer

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	batchSize         int

	// sem ограничивает число одновременно исполняемых runs.
	sem chan struct{}

	// wake будит poll-цикл по событию run.scheduled.
	wake chan struct{}

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Agent.
type Config struct {
	// API — клиент control plane. Обязателен.
	API API

	// Launcher — запуск инфраструктуры run. Обязателен.
	Launcher Launcher

	// Fetcher — получение исходников flow (опционально;
	// если nil — используется LocalFetcher).
	Fetcher SourceFetcher

	// AgentID — идентификатор агента. Обязателен.
	AgentID string

	// Queues — имена work queues для опроса. Обязателен хотя бы один.
	Queues []string

	// Conn — соединение с RabbitMQ для wakeup-событий
	// (опционально; если nil — только polling).
	Conn *mq.Connection

	// PollInterval — интервал опроса очередей (default: 5s).
	PollInterval time.Duration

	// HeartbeatInterval — интервал heartbeat (default: 30s).
	HeartbeatInterval time.Duration

	// BatchSize — сколько runs запрашивать за один poll (default: 10).
	BatchSize int

	// MaxConcurrent — максимум одновременно исполняемых runs (default: 10).
	MaxConcurrent int

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.API == nil {
		return nil, errors.New("agent: api client is required")
	}
	if cfg.Launcher == nil {
		return nil, errors.New("agent: launcher is required")
	}
	if cfg.AgentID == "" {
		return nil, errors.New("agent: agent id is required")
	}
	if len(cfg.Queues) == 0 {
		return nil, errors.New("agent: at least one work queue is required")
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = &LocalFetcher{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		api:               cfg.API,
		launcher:          cfg.Launcher,
		fetcher:           fetcher,
		agentID:           cfg.AgentID,
		queues:            cfg.Queues,
		conn:              cfg.Conn,
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
		batchSize:         batchSize,
		sem:               make(chan struct{}, maxConcurrent),
		wake:              make(chan struct{}, 1),
		logger:            logger,
	}, nil
}

// Start запускает Agent.
//
// Запускает:
//   - Poll-цикл по work queues
//   - Heartbeat-цикл
//   - Consumer для runs.scheduled (если подключен RabbitMQ)
func (a *Agent) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	a.logger.Info("starting agent",
		"agent_id", a.agentID,
		"queues", a.queues,
		"poll_interval", a.pollInterval,
	)

	// Первый heartbeat сразу — агент виден в списке до первого poll
	if err := a.api.Heartbeat(a.agentID, a.queues); err != nil {
		a.logger.Warn("initial heartbeat failed", "error", err)
	}

	if a.conn != nil {
		a.consumer = mq.NewConsumer(a.conn, a.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueRunsScheduled),
			Handler:  a.handleRunScheduled,
			Prefetch: defaultMQPrefetch,
		})

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("wakeup consumer error", "error", err)
			}
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.pollLoop(ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.heartbeatLoop(ctx)
	}()

	a.logger.Info("agent started")
	return nil
}

// Stop останавливает Agent и дожидается исполняемых runs.
func (a *Agent) Stop() {
	a.logger.Info("stopping agent...")

	if a.cancelFunc != nil {
		a.cancelFunc()
	}

	if a.consumer != nil {
		a.consumer.Stop()
	}

	a.wg.Wait()

	a.logger.Info("agent stopped")
}

// handleRunScheduled обрабатывает wakeup-событие о материализованном run.
// Событие — только сигнал: сам run выдаётся через poll под lease.
func (a *Agent) handleRunScheduled(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunScheduledPayload](&delivery.Message)
	if err != nil {
		a.logger.Error("failed to parse run.scheduled payload", "error", err)
		return err
	}

	if !a.servesQueue(payload.WorkQueue) {
		return nil
	}

	a.logger.Debug("received run.scheduled event",
		"run_id", payload.RunID,
		"queue", payload.WorkQueue,
	)

	// Неблокирующий сигнал: если poll уже запланирован, событие схлопывается
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// servesQueue проверяет, опрашивает ли агент очередь.
func (a *Agent) servesQueue(name string) bool {
	for _, q := range a.queues {
		if q == name {
			return true
		}
	}
	return false
}

// pollLoop — основной цикл опроса work queues.
func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте
	a.pollAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollAll(ctx)
		case <-a.wake:
			a.pollAll(ctx)
		}
	}
}

// pollAll опрашивает все очереди агента.
func (a *Agent) pollAll(ctx context.Context) {
	for _, queue := range a.queues {
		if ctx.Err() != nil {
			return
		}
		a.poll(ctx, queue)
	}
}

// poll выполняет один опрос очереди и запускает выданные runs.
func (a *Agent) poll(ctx context.Context, queue string) {
	runs, err := a.api.Poll(queue, a.agentID, a.batchSize)
	if err != nil {
		if client.IsCode(err, client.CodeQueuePaused) {
			a.logger.Debug("work queue is paused", "queue", queue)
			return
		}
		a.logger.Error("poll failed", "queue", queue, "error", err)
		return
	}

	if len(runs) == 0 {
		return
	}

	a.logger.Info("claimed runs", "queue", queue, "count", len(runs))

	for i := range runs {
		run := runs[i]

		// Ограничение на параллельные запуски; при остановке бросаем
		// незапущенные runs — lease истечёт и их выдадут заново
		select {
		case a.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer func() { <-a.sem }()
			a.submit(ctx, run)
		}()
	}
}

// submit исполняет один run: исходники → RUNNING → launch → терминальный отчёт.
func (a *Agent) submit(ctx context.Context, run client.ClaimedRunResponse) {
	logger := a.logger.With("run_id", run.ID, "queue", run.WorkQueueName)

	sourcePath := ""
	if run.StorageRef != "" {
		path, err := a.fetcher.Fetch(ctx, run.StorageRef)
		if err != nil {
			logger.Error("failed to fetch flow source", "storage_ref", run.StorageRef, "error", err)
			a.reportTerminal(run.ID, string(domain.RunStateFailed),
				fmt.Sprintf("source fetch failed: %v", err), logger)
			return
		}
		sourcePath = path
	}

	if err := a.api.ReportRunning(run.ID, a.agentID); err != nil {
		// Lease истёк или run увели — не запускаем
		logger.Warn("failed to report running, dropping run", "error", err)
		return
	}

	logger.Info("run started", "flow_id", run.FlowID)

	spec := LaunchSpec{
		RunID:      run.ID,
		FlowID:     run.FlowID,
		Parameters: run.Parameters,
		Infra:      run.InfraDocument,
		SourcePath: sourcePath,
	}

	if err := a.launcher.Launch(ctx, spec); err != nil {
		logger.Warn("run failed", "error", err)
		a.reportTerminal(run.ID, string(domain.RunStateFailed), err.Error(), logger)
		return
	}

	logger.Info("run completed")
	a.reportTerminal(run.ID, string(domain.RunStateCompleted), "", logger)
}

// reportTerminal отправляет финальный отчёт. Конфликт (run уже
// в терминальном состоянии или lease истёк) — не ошибка агента.
func (a *Agent) reportTerminal(runID, state, reason string, logger *slog.Logger) {
	if err := a.api.ReportTerminal(runID, a.agentID, state, reason); err != nil {
		if client.IsCode(err, client.CodeLeaseExpired) || client.IsCode(err, client.CodeConflict) {
			logger.Warn("terminal report rejected", "state", state, "error", err)
			return
		}
		logger.Error("failed to report terminal state", "state", state, "error", err)
	}
}

// heartbeatLoop периодически регистрирует присутствие агента.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.api.Heartbeat(a.agentID, a.queues); err != nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}
