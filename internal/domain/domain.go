package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for every stored timestamp,
// so that string comparison matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and RFC3339 variants.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Proposal statuses.
const (
	StatusPending      = "pending"
	StatusAutoApproved = "auto_approved"
	StatusApproved     = "approved"
	StatusRejected     = "rejected"
	StatusApplied      = "applied"
	StatusExpired      = "expired"
)

// ProposalStatuses lists every proposal status in lifecycle order.
var ProposalStatuses = []string{
	StatusPending,
	StatusAutoApproved,
	StatusApproved,
	StatusRejected,
	StatusApplied,
	StatusExpired,
}

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Agent statuses.
const (
	AgentActive   = "active"
	AgentPaused   = "paused"
	AgentDisabled = "disabled"
)

// Run statuses.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunPartial = "partial"
	RunError   = "error"
)

// Run triggers.
const (
	TriggerCron   = "cron"
	TriggerEvent  = "event"
	TriggerManual = "manual"
	TriggerAgent  = "agent"
)

type Proposal struct {
	ID               string         `json:"id"`
	AgentID          string         `json:"agent_id"`
	RunID            *string        `json:"run_id,omitempty"`
	ProposalType     string         `json:"proposal_type"`
	Title            string         `json:"title"`
	Summary          string         `json:"summary"`
	Detail           map[string]any `json:"detail"`
	RiskLevel        string         `json:"risk_level" enum:"low,medium,high"`
	Status           string         `json:"status" enum:"pending,auto_approved,approved,rejected,applied,expired"`
	TargetEmployeeID *string        `json:"target_employee_id,omitempty"`
	TargetEntityType *string        `json:"target_entity_type,omitempty"`
	TargetEntityID   *string        `json:"target_entity_id,omitempty"`
	ReviewedBy       *string        `json:"reviewed_by,omitempty"`
	ReviewedAt       *string        `json:"reviewed_at,omitempty" format:"date-time"`
	ReviewNotes      *string        `json:"review_notes,omitempty"`
	AppliedAt        *string        `json:"applied_at,omitempty" format:"date-time"`
	ExpiresAt        *string        `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
}

// Expired reports whether the proposal is past its deadline without being
// actioned. Expiry is evaluated at read time only.
func (p Proposal) Expired(now time.Time) bool {
	if p.ExpiresAt == nil {
		return false
	}
	switch p.Status {
	case StatusRejected, StatusApplied, StatusExpired:
		return false
	}
	exp, err := ParseTime(*p.ExpiresAt)
	if err != nil {
		return false
	}
	return now.After(exp)
}

type AgentRegistration struct {
	AgentID           string         `json:"agent_id"`
	DisplayName       string         `json:"display_name"`
	Cluster           string         `json:"cluster"`
	Description       string         `json:"description,omitempty"`
	Status            string         `json:"status" enum:"active,paused,disabled"`
	ScheduleCron      string         `json:"schedule_cron,omitempty"`
	DailyTokenBudget  *int64         `json:"daily_token_budget,omitempty"`
	DailyTokensUsed   int64          `json:"daily_tokens_used"`
	BudgetResetAt     *string        `json:"budget_reset_at,omitempty" format:"date-time"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	LastErrorMessage  *string        `json:"last_error_message,omitempty"`
	LastRunAt         *string        `json:"last_run_at,omitempty" format:"date-time"`
	LastRunStatus     *string        `json:"last_run_status,omitempty"`
	LastRunDurationMs *int64         `json:"last_run_duration_ms,omitempty"`
	Config            map[string]any `json:"config"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
}

type AgentRun struct {
	ID                    string         `json:"id"`
	AgentID               string         `json:"agent_id"`
	TriggerType           string         `json:"trigger_type" enum:"cron,event,manual,agent"`
	TriggerSource         *string        `json:"trigger_source,omitempty"`
	Status                string         `json:"status" enum:"running,success,partial,error"`
	StartedAt             string         `json:"started_at" format:"date-time"`
	FinishedAt            *string        `json:"finished_at,omitempty" format:"date-time"`
	ErrorMessage          *string        `json:"error_message,omitempty"`
	ProposalsCreated      int            `json:"proposals_created"`
	ProposalsAutoApproved int            `json:"proposals_auto_approved"`
	TokensUsed            int64          `json:"tokens_used"`
	CostUSD               float64        `json:"cost_usd"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

type UsageLog struct {
	ID               string         `json:"id"`
	Feature          string         `json:"feature"`
	Model            string         `json:"model"`
	TokensUsed       int64          `json:"tokens_used"`
	PromptTokens     int64          `json:"prompt_tokens"`
	CompletionTokens int64          `json:"completion_tokens"`
	CostUSD          float64        `json:"cost_usd"`
	DurationMs       int64          `json:"duration_ms"`
	Success          bool           `json:"success"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
}

type Notification struct {
	ID        string         `json:"id"`
	ProfileID string         `json:"profile_id"`
	Type      string         `json:"type"`
	Category  string         `json:"category"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	IsRead    bool           `json:"is_read"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type QueuedNotification struct {
	ID           string           `json:"id"`
	Channel      *string          `json:"channel,omitempty"`
	SlackUserID  *string          `json:"slack_user_id,omitempty"`
	Message      string           `json:"message"`
	Blocks       []map[string]any `json:"blocks,omitempty"`
	Payload      map[string]any   `json:"payload,omitempty"`
	Priority     string           `json:"priority" enum:"low,normal,high,urgent"`
	Status       string           `json:"status" enum:"pending,sent,failed"`
	ScheduledFor string           `json:"scheduled_for" format:"date-time"`
	RetryCount   int              `json:"retry_count"`
	MaxRetries   int              `json:"max_retries"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	SentAt       *string          `json:"sent_at,omitempty" format:"date-time"`
	CreatedAt    string           `json:"created_at" format:"date-time"`
}

type Employee struct {
	ID                string  `json:"id"`
	ProfileID         *string `json:"profile_id,omitempty"`
	ManagerEmployeeID *string `json:"manager_employee_id,omitempty"`
	FirstName         string  `json:"first_name"`
	LastName          string  `json:"last_name"`
	JobPositionID     *string `json:"job_position_id,omitempty"`
}

type AuditEvent struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   *string        `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
