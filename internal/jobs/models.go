package jobs

import (
	"time"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusCanceled         Status = "canceled"
	StatusDeadLetter       Status = "dead_letter"
)

// Terminal reports whether the status is final. Terminal jobs are never
// transitioned again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusDeadLetter
}

// Job is one unit of queued work. It is mutated only through the repository's
// guarded transition calls, never directly.
type Job struct {
	ID             string                 `gorm:"primaryKey" json:"id"`
	TenantID       string                 `gorm:"column:tenant_id;not null;index;uniqueIndex:idx_jobs_tenant_idem,priority:1" json:"tenant_id"`
	CreatedAt      time.Time              `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time              `gorm:"autoUpdateTime" json:"updated_at"`
	DecisionID     string                 `gorm:"column:decision_id;index" json:"decision_id,omitempty"`
	CorrelationID  string                 `gorm:"column:correlation_id" json:"correlation_id,omitempty"`
	Domain         string                 `json:"domain,omitempty"`
	Type           string                 `gorm:"not null" json:"type"`
	Status         Status                 `gorm:"not null;index" json:"status"`
	Priority       int                    `json:"priority"`
	Attempts       int                    `json:"attempts"`
	MaxAttempts    int                    `gorm:"column:max_attempts" json:"max_attempts"`
	RunAt          time.Time              `gorm:"column:run_at;index" json:"run_at"`
	LockedAt       *time.Time             `gorm:"column:locked_at" json:"locked_at,omitempty"`
	LockedBy       string                 `gorm:"column:locked_by" json:"locked_by,omitempty"`
	IdempotencyKey *string                `gorm:"column:idempotency_key;uniqueIndex:idx_jobs_tenant_idem,priority:2" json:"idempotency_key,omitempty"`
	Input          map[string]interface{} `gorm:"serializer:json;type:jsonb" json:"input,omitempty"`
	Output         map[string]interface{} `gorm:"serializer:json;type:jsonb" json:"output,omitempty"`
	Error          string                 `json:"error,omitempty"`
	TraceEventIDs  []string               `gorm:"column:trace_event_ids;serializer:json;type:jsonb" json:"trace_event_ids,omitempty"`
	Etag           string                 `json:"etag,omitempty"`
}

// TableName maps the model to the jobs table.
func (Job) TableName() string {
	return "jobs"
}

// CreateInput is the caller-supplied portion of a new job.
type CreateInput struct {
	ID             string
	Type           string
	Domain         string
	DecisionID     string
	CorrelationID  string
	Priority       int
	MaxAttempts    int
	RunAt          time.Time
	IdempotencyKey string
	Input          map[string]interface{}
}

// StatusPatch is a partial job update. Nil fields are left untouched.
type StatusPatch struct {
	Status        *Status
	Output        map[string]interface{}
	Error         *string
	Attempts      *int
	RunAt         *time.Time
	ClearLock     bool
	TraceEventIDs []string
}
