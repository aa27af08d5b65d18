package api

import (
	"log/slog"

	"github.com/shaiso/Flowplane/internal/dispatch"
	"github.com/shaiso/Flowplane/internal/mq"
	"github.com/shaiso/Flowplane/internal/registry"
	"github.com/shaiso/Flowplane/internal/repo"
	"github.com/shaiso/Flowplane/internal/router"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	router     *router.Router
	flowRepo   *repo.FlowRepo
	runRepo    *repo.FlowRunRepo
	queueRepo  *repo.WorkQueueRepo
	agentRepo  *repo.AgentRepo
	publisher  *mq.Publisher
	logger     *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Router     *router.Router
	FlowRepo   *repo.FlowRepo
	RunRepo    *repo.FlowRunRepo
	QueueRepo  *repo.WorkQueueRepo
	AgentRepo  *repo.AgentRepo
	Publisher  *mq.Publisher
	Logger     *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		router:     cfg.Router,
		flowRepo:   cfg.FlowRepo,
		runRepo:    cfg.RunRepo,
		queueRepo:  cfg.QueueRepo,
		agentRepo:  cfg.AgentRepo,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
	}
}
