package job

import (
	"encoding/json"
	"time"
)

type Tier string

const (
	TierUrgent Tier = "urgent"
	TierNormal Tier = "normal"
	TierLow    Tier = "low"
)

func (t Tier) Valid() bool {
	switch t {
	case TierUrgent, TierNormal, TierLow:
		return true
	}
	return false
}

type State string

const (
	StatePending        State = "pending"
	StateClaimed        State = "claimed"
	StateRunning        State = "running"
	StateCompleted      State = "completed"
	StateRetryScheduled State = "retry_scheduled"
	StateDeadLettered   State = "dead_lettered"
	StateCanceled       State = "canceled"
)

// transitions is the full edge set of the job state machine. Every
// mutation path in the stores validates against it; anything not listed
// here is rejected.
var transitions = map[State][]State{
	StatePending:        {StateClaimed, StateCanceled},
	StateClaimed:        {StateRunning, StateCanceled},
	StateRunning:        {StateCompleted, StateRetryScheduled, StateDeadLettered, StateCanceled},
	StateRetryScheduled: {StatePending, StateCanceled},
}

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateDeadLettered, StateCanceled:
		return true
	}
	return false
}

func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type ErrorKind string

const (
	ErrKindValidation  ErrorKind = "validation"
	ErrKindRateLimited ErrorKind = "rate_limited"
	ErrKindTransient   ErrorKind = "transient"
	ErrKindTerminal    ErrorKind = "terminal"
)

func (k ErrorKind) Retriable() bool {
	return k == ErrKindRateLimited || k == ErrKindTransient
}

// ErrInfo captures the cause of the most recent failed attempt.
type ErrInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

type Job struct {
	ID                string          `json:"id"`
	ScopeTenant       string          `json:"scope_tenant"`
	ScopeUser         string          `json:"scope_user"`
	Kind              string          `json:"kind"`
	Tier              Tier            `json:"tier"`
	EffectivePriority float64         `json:"effective_priority"`
	Payload           json.RawMessage `json:"payload"`
	Status            State           `json:"status"`
	Progress          int             `json:"progress"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	NextAttemptAfter  time.Time       `json:"next_attempt_after"`
	LastError         *ErrInfo        `json:"last_error,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key"`
	Escalated         bool            `json:"escalated"`
	ClaimedBy         *string         `json:"claimed_by,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type EventType string

const (
	EventStateChange EventType = "state_change"
	EventProgress    EventType = "progress"
	EventError       EventType = "error"
)

// Event is one append-only audit log entry. Events are never mutated or
// deleted once written.
type Event struct {
	JobID           string    `json:"job_id"`
	ScopeTenant     string    `json:"scope_tenant"`
	Type            EventType `json:"type"`
	FromState       State     `json:"from_state,omitempty"`
	ToState         State     `json:"to_state,omitempty"`
	Message         string    `json:"message,omitempty"`
	ProgressPercent int       `json:"progress_percent,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Attempt is one failed execution in a dead letter's error history,
// ordered from earliest to latest.
type Attempt struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// DeadLetter is the terminal record for a job that exhausted its retry
// budget or failed non-retriably. Entries are only removed by operator
// action (resubmit or archive).
type DeadLetter struct {
	JobID       string          `json:"job_id"`
	ScopeTenant string          `json:"scope_tenant"`
	ScopeUser   string          `json:"scope_user"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    []Attempt       `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	ArchivedAt  *time.Time      `json:"archived_at,omitempty"`
}
