package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrConfig                = errors.New("configuration error")
	ErrConnectionUnavailable = errors.New("connection unavailable")
	ErrTimeout               = errors.New("timeout")
	ErrUpstreamTransient     = errors.New("upstream transient error")
	ErrUpstreamPermanent     = errors.New("upstream permanent error")
	ErrUpstreamAuth          = errors.New("upstream authentication error")
	ErrCircuitOpen           = errors.New("circuit open")
	ErrNoHealthyInstance     = errors.New("no healthy instance")
	ErrValidation            = errors.New("validation failed")
	ErrNotFound              = errors.New("not found")
	ErrIntegrity             = errors.New("integrity check failed")
	ErrInternal              = errors.New("internal error")
)

// TaskType enumerates the closed set of task kinds the worker dispatches on.
type TaskType string

const (
	TaskTelegramUpdate  TaskType = "telegram_update"
	TaskProductAnalysis TaskType = "product_analysis"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// IsTerminal reports whether the status is one a task never leaves.
func (s TaskStatus) IsTerminal() bool { return s == TaskCompleted || s == TaskFailed }

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Task is the queue wire record. IDs are assigned at enqueue and never reused.
type Task struct {
	ID         string         `json:"id"`
	Type       TaskType       `json:"task_type"`
	Data       map[string]any `json:"data"`
	Status     TaskStatus     `json:"status"`
	Priority   Priority       `json:"priority"`
	CreatedAt  time.Time      `json:"created_at"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	ChatID     int64          `json:"chat_id,omitempty"`
}

// TaskError records the terminal failure of a task. Category drives the
// localized message shown to the originating chat.
type TaskError struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// Failure categories for user-visible messages.
const (
	FailInvalidURL = "invalid_url"
	FailAuth       = "auth_error"
	FailOther      = "other"
)

// AnalysisResult is the persisted outcome of a product_analysis task.
type AnalysisResult struct {
	Title          string   `json:"title"`
	Price          string   `json:"price"`
	ValueScore     float64  `json:"value_score"`
	Recommendation string   `json:"recommendation"`
	Pros           []string `json:"pros"`
	Cons           []string `json:"cons"`
	Sentiment      float64  `json:"sentiment"`
	ReviewCount    int      `json:"review_count"`
}

// TaskRecord is the status record stored under task:<id>. It carries the
// same top-level fields as Task plus processing timestamps and outcome.
type TaskRecord struct {
	Task
	StartTime *time.Time      `json:"start_time,omitempty"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	Result    *AnalysisResult `json:"result,omitempty"`
	Error     *TaskError      `json:"error,omitempty"`
}

// Product is the scraper's view of a product page.
type Product struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Price       string   `json:"price"`
	Features    []string `json:"features"`
	Reviews     []string `json:"reviews"`
	Rating      float64  `json:"rating"`
	ReviewCount int      `json:"review_count"`
}

// Queue (port)
//
// Enqueue assigns an id if absent and pushes the task plus its status
// record atomically. Dequeue blocks up to the configured pop timeout and
// returns (nil, nil) when nothing arrived.
type Queue interface {
	Enqueue(ctx Context, t *Task) (string, error)
	Dequeue(ctx Context) (*Task, error)
	GetByID(ctx Context, id string) (*TaskRecord, error)
	UpdateStatus(ctx Context, id string, status TaskStatus, patch map[string]any) error
}

// TaskSubmitter is the capability the bot layer uses to hand work to the
// pipeline without importing the queue.
type TaskSubmitter interface {
	Submit(ctx Context, t *Task) (string, error)
}

// ChatNotifier pushes user-visible replies back to the originating chat.
type ChatNotifier interface {
	NotifyText(ctx Context, chatID int64, text string) error
}

// ProductScraper resolves a product URL to structured product data.
type ProductScraper interface {
	Scrape(ctx Context, baseURL, productURL string) (*Product, error)
}

// SentimentAnalyzer scores review texts on a 1..5 scale.
type SentimentAnalyzer interface {
	Sentiment(ctx Context, baseURL string, reviews []string) (float64, error)
}

// InsightExtractor distills pros and cons from review texts.
type InsightExtractor interface {
	ProsCons(ctx Context, baseURL string, reviews []string) (pros, cons []string, err error)
}

// Context is an alias to keep the domain decoupled from adapters; everything
// passes context.Context through.
type Context = context.Context
