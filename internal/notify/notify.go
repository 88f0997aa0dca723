// Package notify writes in-app notifications and queues outbound Slack
// messages for asynchronous delivery.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vetfleet/internal/domain"
	"vetfleet/internal/repo"
)

// Queue priorities, most urgent last.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

const (
	ChannelSlack      = "slack"
	defaultMaxRetries = 3
)

// Publisher fans a queued alert out to a live subscriber channel.
type Publisher interface {
	Publish(ctx context.Context, q domain.QueuedNotification) error
}

type Notifier struct {
	Repo       repo.Repo
	Publisher  Publisher
	MaxRetries int
	Now        func() time.Time
	logger     *slog.Logger
}

func New(r repo.Repo, maxRetries int) *Notifier {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Notifier{
		Repo:       r,
		MaxRetries: maxRetries,
		Now:        time.Now,
		logger:     slog.Default().With("component", "notify"),
	}
}

func (n *Notifier) now() time.Time {
	if n.Now == nil {
		return time.Now()
	}
	return n.Now()
}

func (n *Notifier) repo(r repo.Repo) repo.Repo {
	if r.DB == nil {
		return n.Repo
	}
	return r
}

// InApp is an in-app notification addressed to one profile.
type InApp struct {
	ProfileID string
	Type      string
	Category  string
	Title     string
	Body      string
	Data      map[string]any
}

// SendInApp inserts an unread notification. Pass a tx-bound repo as r to
// make the write part of a transaction; the zero Repo uses n.Repo.
func (n *Notifier) SendInApp(ctx context.Context, r repo.Repo, msg InApp) error {
	data := msg.Data
	if data == nil {
		data = map[string]any{}
	}
	return n.repo(r).InsertNotification(ctx, domain.Notification{
		ID:        uuid.NewString(),
		ProfileID: msg.ProfileID,
		Type:      msg.Type,
		Category:  msg.Category,
		Title:     msg.Title,
		Body:      msg.Body,
		Data:      data,
		CreatedAt: domain.FormatTime(n.now()),
	})
}

// Outbound is a message for the delivery queue.
type Outbound struct {
	Channel     string
	SlackUserID string
	Message     string
	Blocks      []map[string]any
	Payload     map[string]any
	Priority    string
	// ScheduledFor defaults to now.
	ScheduledFor time.Time
}

// Enqueue stores a pending queue row and, for high and urgent priorities,
// hands it to the live publisher as well. Publish failures are logged only.
func (n *Notifier) Enqueue(ctx context.Context, r repo.Repo, out Outbound) (string, error) {
	now := n.now()
	priority := out.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	scheduled := out.ScheduledFor
	if scheduled.IsZero() {
		scheduled = now
	}
	q := domain.QueuedNotification{
		ID:           uuid.NewString(),
		Message:      out.Message,
		Blocks:       out.Blocks,
		Payload:      out.Payload,
		Priority:     priority,
		Status:       "pending",
		ScheduledFor: domain.FormatTime(scheduled),
		MaxRetries:   n.MaxRetries,
		CreatedAt:    domain.FormatTime(now),
	}
	if out.Channel != "" {
		ch := out.Channel
		q.Channel = &ch
	}
	if out.SlackUserID != "" {
		u := out.SlackUserID
		q.SlackUserID = &u
	}
	if err := n.repo(r).EnqueueNotification(ctx, q); err != nil {
		return "", err
	}
	if n.Publisher != nil && (priority == PriorityHigh || priority == PriorityUrgent) {
		if err := n.Publisher.Publish(ctx, q); err != nil {
			n.logger.WarnContext(ctx, "alert publish failed", "notification_id", q.ID, "error", err)
		}
	}
	return q.ID, nil
}

// Slack is a formatted Slack message.
type Slack struct {
	Channel     string
	SlackUserID string
	Title       string
	Body        string
	Context     string
	Priority    string
	Payload     map[string]any
}

// Blocks renders the header, section and optional context blocks for m.
func (m Slack) Blocks() []map[string]any {
	blocks := []map[string]any{
		{"type": "header", "text": map[string]any{"type": "plain_text", "text": m.Title}},
		{"type": "section", "text": map[string]any{"type": "mrkdwn", "text": m.Body}},
	}
	if m.Context != "" {
		blocks = append(blocks, map[string]any{
			"type":     "context",
			"elements": []map[string]any{{"type": "mrkdwn", "text": m.Context}},
		})
	}
	return blocks
}

// QueueSlack enqueues m with Block Kit formatting.
func (n *Notifier) QueueSlack(ctx context.Context, r repo.Repo, m Slack) (string, error) {
	return n.Enqueue(ctx, r, Outbound{
		Channel:     m.Channel,
		SlackUserID: m.SlackUserID,
		Message:     m.Title + "\n" + m.Body,
		Blocks:      m.Blocks(),
		Payload:     m.Payload,
		Priority:    m.Priority,
	})
}
