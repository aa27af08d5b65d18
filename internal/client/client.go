// Package client реализует HTTP-клиент Flowplane API.
//
// Используется CLI и агентом. Типы ответов дублируются из api/dto.go —
// клиент не импортирует internal/api, чтобы не тянуть серверные
// зависимости в бинарники агента и CLI.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shaiso/Flowplane/internal/domain"
)

// Коды ошибок API, на которые клиенты реагируют по-разному.
const (
	CodeQueuePaused  = "QUEUE_PAUSED"
	CodeLeaseExpired = "LEASE_EXPIRED"
	CodeConflict     = "CONFLICT"
	CodeNotFound     = "NOT_FOUND"
)

// APIError — ошибка, возвращённая API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCode проверяет, что err — APIError с заданным кодом.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// --- Response types ---

// FlowResponse — flow из API.
type FlowResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// DeploymentResponse — deployment из API.
type DeploymentResponse struct {
	ID                 string               `json:"id"`
	FlowID             string               `json:"flow_id"`
	FlowName           string               `json:"flow_name"`
	Name               string               `json:"name"`
	Description        string               `json:"description,omitempty"`
	Tags               []string             `json:"tags,omitempty"`
	Parameters         map[string]any       `json:"parameters,omitempty"`
	ParameterSchema    map[string]any       `json:"parameter_schema,omitempty"`
	Schedule           *domain.ScheduleSpec `json:"schedule,omitempty"`
	IsScheduleActive   bool                 `json:"is_schedule_active"`
	WorkQueueName      string               `json:"work_queue_name,omitempty"`
	StorageRef         string               `json:"storage_ref,omitempty"`
	InfraTemplate      map[string]any       `json:"infra_template,omitempty"`
	InfraOverrides     map[string]any       `json:"infra_overrides,omitempty"`
	LastMaterializedAt *time.Time           `json:"last_materialized_at,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// RunResponse — run из API.
type RunResponse struct {
	ID                 string         `json:"id"`
	DeploymentID       string         `json:"deployment_id,omitempty"`
	FlowID             string         `json:"flow_id"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	State              string         `json:"state"`
	StateReason        string         `json:"state_reason,omitempty"`
	ScheduledStartTime time.Time      `json:"scheduled_start_time"`
	WorkQueueName      string         `json:"work_queue_name,omitempty"`
	InfraDocument      map[string]any `json:"infra_document,omitempty"`
	RequeueCount       int            `json:"requeue_count,omitempty"`
	AutoScheduled      bool           `json:"auto_scheduled"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// ClaimedRunResponse — run, выданный при poll.
type ClaimedRunResponse struct {
	RunResponse
	StorageRef string `json:"storage_ref,omitempty"`
}

// WorkQueueResponse — очередь из API.
type WorkQueueResponse struct {
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	TagFilter        []string  `json:"tag_filter,omitempty"`
	IsPaused         bool      `json:"is_paused"`
	ConcurrencyLimit *int      `json:"concurrency_limit,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// AgentResponse — зарегистрированный агент из API.
type AgentResponse struct {
	AgentID    string    `json:"agent_id"`
	WorkQueues []string  `json:"work_queues,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// --- Request types ---

// UpsertDeploymentRequest — создание/обновление deployment.
type UpsertDeploymentRequest struct {
	FlowName         string               `json:"flow_name"`
	Name             string               `json:"name"`
	Description      string               `json:"description,omitempty"`
	Tags             []string             `json:"tags,omitempty"`
	Parameters       map[string]any       `json:"parameters,omitempty"`
	ParameterSchema  map[string]any       `json:"parameter_schema,omitempty"`
	Schedule         *domain.ScheduleSpec `json:"schedule,omitempty"`
	IsScheduleActive bool                 `json:"is_schedule_active"`
	WorkQueueName    string               `json:"work_queue_name,omitempty"`
	StorageRef       string               `json:"storage_ref,omitempty"`
	InfraTemplate    map[string]any       `json:"infra_template,omitempty"`
	InfraOverrides   map[string]any       `json:"infra_overrides,omitempty"`
}

// CreateRunRequest — ad-hoc запуск deployment.
type CreateRunRequest struct {
	Parameters         map[string]any `json:"parameters,omitempty"`
	ScheduledStartTime *time.Time     `json:"scheduled_start_time,omitempty"`
}

// WorkQueueRequest — создание/обновление очереди.
type WorkQueueRequest struct {
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	TagFilter        []string `json:"tag_filter,omitempty"`
	ConcurrencyLimit *int     `json:"concurrency_limit,omitempty"`
}

// ListDeploymentsOpts — фильтрация deployments.
type ListDeploymentsOpts struct {
	FlowID    string
	WorkQueue string
	Limit     int
}

// ListRunsOpts — фильтрация runs.
type ListRunsOpts struct {
	DeploymentID string
	FlowID       string
	State        string
	WorkQueue    string
	Limit        int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Flowplane API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New создаёт клиент для API.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Flows ---

// ListFlows возвращает все flows.
func (c *Client) ListFlows() ([]FlowResponse, error) {
	var flows []FlowResponse
	err := c.list("/api/v1/flows", nil, &flows)
	return flows, err
}

// --- Deployments ---

// ListDeployments возвращает deployments с фильтрацией.
func (c *Client) ListDeployments(opts ListDeploymentsOpts) ([]DeploymentResponse, error) {
	params := url.Values{}
	if opts.FlowID != "" {
		params.Set("flow_id", opts.FlowID)
	}
	if opts.WorkQueue != "" {
		params.Set("work_queue", opts.WorkQueue)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var deployments []DeploymentResponse
	err := c.list("/api/v1/deployments", params, &deployments)
	return deployments, err
}

// ApplyDeployment создаёт или обновляет deployment по паре (flow_name, name).
func (c *Client) ApplyDeployment(req UpsertDeploymentRequest) (*DeploymentResponse, error) {
	var d DeploymentResponse
	err := c.post("/api/v1/deployments", req, &d)
	return &d, err
}

// GetDeployment возвращает deployment по ID.
func (c *Client) GetDeployment(id string) (*DeploymentResponse, error) {
	var d DeploymentResponse
	err := c.get("/api/v1/deployments/"+id, &d)
	return &d, err
}

// GetDeploymentByName возвращает deployment по паре (flow, name).
func (c *Client) GetDeploymentByName(flowName, name string) (*DeploymentResponse, error) {
	var d DeploymentResponse
	err := c.get("/api/v1/deployments/name/"+url.PathEscape(flowName)+"/"+url.PathEscape(name), &d)
	return &d, err
}

// DeleteDeployment удаляет deployment и отменяет его SCHEDULED runs.
func (c *Client) DeleteDeployment(id string) error {
	return c.delete("/api/v1/deployments/" + id)
}

// SetScheduleActive включает/выключает расписание deployment.
func (c *Client) SetScheduleActive(id string, active bool) (*DeploymentResponse, error) {
	var d DeploymentResponse
	body := map[string]bool{"active": active}
	err := c.put("/api/v1/deployments/"+id+"/schedule-active", body, &d)
	return &d, err
}

// --- Runs ---

// ListRuns возвращает runs с фильтрацией.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	if opts.DeploymentID != "" {
		params.Set("deployment_id", opts.DeploymentID)
	}
	if opts.FlowID != "" {
		params.Set("flow_id", opts.FlowID)
	}
	if opts.State != "" {
		params.Set("state", opts.State)
	}
	if opts.WorkQueue != "" {
		params.Set("work_queue", opts.WorkQueue)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// CreateRun создаёт ad-hoc run для deployment.
func (c *Client) CreateRun(deploymentID string, req CreateRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/deployments/"+deploymentID+"/runs", req, &run)
	return &run, err
}

// GetRun возвращает run по ID.
func (c *Client) GetRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get("/api/v1/runs/"+id, &run)
	return &run, err
}

// CancelRun отменяет run.
func (c *Client) CancelRun(id, reason string) (*RunResponse, error) {
	var run RunResponse
	body := map[string]string{"reason": reason}
	err := c.post("/api/v1/runs/"+id+"/cancel", body, &run)
	return &run, err
}

// --- Протокол агентов ---

// Poll запрашивает у очереди runs под lease.
func (c *Client) Poll(queueName, agentID string, limit int) ([]ClaimedRunResponse, error) {
	body := map[string]any{"agent_id": agentID}
	if limit > 0 {
		body["limit"] = limit
	}

	resp, err := c.do(http.MethodPost, "/api/v1/work-queues/"+url.PathEscape(queueName)+"/poll", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return nil, err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var runs []ClaimedRunResponse
	if err := json.Unmarshal(lr.Data, &runs); err != nil {
		return nil, fmt.Errorf("failed to decode runs: %w", err)
	}
	return runs, nil
}

// ReportRunning сообщает о старте выполнения run.
func (c *Client) ReportRunning(runID, agentID string) error {
	body := map[string]string{"agent_id": agentID}
	return c.post("/api/v1/runs/"+runID+"/report-running", body, nil)
}

// ReportTerminal сообщает финальное состояние run.
func (c *Client) ReportTerminal(runID, agentID, state, reason string) error {
	body := map[string]string{
		"agent_id": agentID,
		"state":    state,
	}
	if reason != "" {
		body["reason"] = reason
	}
	return c.post("/api/v1/runs/"+runID+"/report-terminal", body, nil)
}

// Heartbeat регистрирует присутствие агента.
func (c *Client) Heartbeat(agentID string, queues []string) error {
	body := map[string]any{"agent_id": agentID}
	if len(queues) > 0 {
		body["work_queues"] = queues
	}
	return c.post("/api/v1/agents/heartbeat", body, nil)
}

// ListAgents возвращает зарегистрированных агентов.
func (c *Client) ListAgents() ([]AgentResponse, error) {
	var agents []AgentResponse
	err := c.list("/api/v1/agents", nil, &agents)
	return agents, err
}

// --- Work Queues ---

// ListWorkQueues возвращает все очереди.
func (c *Client) ListWorkQueues() ([]WorkQueueResponse, error) {
	var queues []WorkQueueResponse
	err := c.list("/api/v1/work-queues", nil, &queues)
	return queues, err
}

// CreateWorkQueue создаёт очередь.
func (c *Client) CreateWorkQueue(req WorkQueueRequest) (*WorkQueueResponse, error) {
	var q WorkQueueResponse
	err := c.post("/api/v1/work-queues", req, &q)
	return &q, err
}

// GetWorkQueue возвращает очередь по имени.
func (c *Client) GetWorkQueue(name string) (*WorkQueueResponse, error) {
	var q WorkQueueResponse
	err := c.get("/api/v1/work-queues/"+url.PathEscape(name), &q)
	return &q, err
}

// UpdateWorkQueue обновляет очередь.
func (c *Client) UpdateWorkQueue(name string, req WorkQueueRequest) (*WorkQueueResponse, error) {
	var q WorkQueueResponse
	err := c.put("/api/v1/work-queues/"+url.PathEscape(name), req, &q)
	return &q, err
}

// DeleteWorkQueue удаляет очередь.
func (c *Client) DeleteWorkQueue(name string) error {
	return c.delete("/api/v1/work-queues/" + url.PathEscape(name))
}

// SetWorkQueuePaused ставит очередь на паузу или возобновляет её.
func (c *Client) SetWorkQueuePaused(name string, paused bool) error {
	body := map[string]bool{"paused": paused}
	return c.put("/api/v1/work-queues/"+url.PathEscape(name)+"/paused", body, nil)
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(dr.Data, result)
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	defer io.Copy(io.Discard, resp.Body)

	apiErr := &APIError{Status: resp.StatusCode}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		apiErr.Code = "HTTP_" + strconv.Itoa(resp.StatusCode)
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}

	apiErr.Code = er.Error.Code
	apiErr.Message = er.Error.Message
	return apiErr
}
