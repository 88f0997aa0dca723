package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"vetfleet/internal/domain"
	"vetfleet/internal/repo"
)

var ErrSlackNotConfigured = errors.New("slack token not configured")

// Deliverer drains the notification queue into Slack.
type Deliverer struct {
	Repo           repo.Repo
	HTTP           *http.Client
	APIURL         string
	Token          string
	DefaultChannel string
	BatchSize      int
	Limiter        *rate.Limiter
	Now            func() time.Time
	logger         *slog.Logger
}

func NewDeliverer(r repo.Repo, apiURL, token, defaultChannel string, batch int) *Deliverer {
	if batch <= 0 {
		batch = 30
	}
	return &Deliverer{
		Repo:           r,
		HTTP:           &http.Client{Timeout: 15 * time.Second},
		APIURL:         strings.TrimRight(apiURL, "/"),
		Token:          token,
		DefaultChannel: defaultChannel,
		BatchSize:      batch,
		Limiter:        rate.NewLimiter(rate.Every(time.Second), 3),
		Now:            time.Now,
		logger:         slog.Default().With("component", "notify.deliverer"),
	}
}

type DeliveryResult struct {
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

// Run delivers one batch of due queue rows.
func (d *Deliverer) Run(ctx context.Context) (DeliveryResult, error) {
	var res DeliveryResult
	if d.Token == "" {
		return res, ErrSlackNotConfigured
	}
	due, err := d.Repo.ListDueNotifications(ctx, domain.FormatTime(d.Now()), d.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list due notifications: %w", err)
	}
	for _, q := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sendErr := d.deliver(ctx, q)
		if sendErr == nil {
			if err := d.Repo.MarkNotificationSent(ctx, q.ID, domain.FormatTime(d.Now())); err != nil {
				d.logger.WarnContext(ctx, "mark sent failed", "notification_id", q.ID, "error", err)
			}
			res.Sent++
			continue
		}
		retries := q.RetryCount + 1
		status := "pending"
		if retries >= q.MaxRetries {
			status = "failed"
			res.Failed++
		} else {
			res.Retried++
		}
		d.logger.WarnContext(ctx, "slack delivery failed",
			"notification_id", q.ID, "retry_count", retries, "status", status, "error", sendErr)
		if err := d.Repo.MarkNotificationAttemptFailed(ctx, q.ID, status, retries, sendErr.Error()); err != nil {
			d.logger.WarnContext(ctx, "record delivery failure failed", "notification_id", q.ID, "error", err)
		}
	}
	return res, nil
}

func (d *Deliverer) channelFor(ctx context.Context, q domain.QueuedNotification) (string, error) {
	if q.SlackUserID != nil && *q.SlackUserID != "" {
		var out struct {
			Channel struct {
				ID string `json:"id"`
			} `json:"channel"`
		}
		if err := d.call(ctx, "conversations.open", map[string]any{"users": *q.SlackUserID}, &out); err != nil {
			return "", fmt.Errorf("open dm: %w", err)
		}
		return out.Channel.ID, nil
	}
	if q.Channel != nil && *q.Channel != "" && *q.Channel != ChannelSlack {
		return *q.Channel, nil
	}
	if d.DefaultChannel == "" {
		return "", errors.New("no slack channel for notification")
	}
	return d.DefaultChannel, nil
}

func messageText(q domain.QueuedNotification) string {
	if q.Message != "" {
		return q.Message
	}
	title, _ := q.Payload["title"].(string)
	summary, _ := q.Payload["summary"].(string)
	return strings.TrimSpace(title + "\n" + summary)
}

func (d *Deliverer) deliver(ctx context.Context, q domain.QueuedNotification) error {
	channel, err := d.channelFor(ctx, q)
	if err != nil {
		return err
	}
	body := map[string]any{"channel": channel, "text": messageText(q)}
	if len(q.Blocks) > 0 {
		body["blocks"] = q.Blocks
	}
	return d.call(ctx, "chat.postMessage", body, nil)
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (d *Deliverer) call(ctx context.Context, method string, body map[string]any, out any) error {
	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.APIURL+"/"+method, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+d.Token)
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack %s: http %d", method, resp.StatusCode)
	}
	var sr slackResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return fmt.Errorf("slack %s: decode response: %w", method, err)
	}
	if !sr.OK {
		return fmt.Errorf("slack %s: %s", method, sr.Error)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}
