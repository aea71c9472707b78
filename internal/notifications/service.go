package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"accession/internal/config"
	"accession/internal/queue"
)

const userAgent = "accession/1"

// Service is the notification surface the pipeline uses.
type Service interface {
	NotifyBatchReported(ctx context.Context, batch *queue.Batch) error
	TestNotification(ctx context.Context) error
}

// NewService builds an ntfy-backed service, or a no-op when no topic is set.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: cfg.NotificationTimeout()},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyBatchReported(ctx context.Context, batch *queue.Batch) error {
	if batch == nil {
		return nil
	}
	return n.send(ctx, batchMessage(batch))
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, message{
		title:    "Accession - Test",
		body:     "Notification delivery test",
		tags:     []string{"accession", "test"},
		priority: "low",
	})
}

func batchMessage(batch *queue.Batch) message {
	name := batch.ID
	if collection := strings.TrimSpace(batch.Payload.Collection); collection != "" {
		name = fmt.Sprintf("%s (%s)", batch.ID, collection)
	}
	var total, completed, failed, deleted int
	if r := batch.Report; r != nil {
		total, completed, failed, deleted = r.Total, r.Completed, r.Failed, r.Deleted
	}

	msg := message{tags: []string{"accession", "batch"}}
	if failed > 0 {
		msg.title = "Accession - Batch Failed"
		msg.body = fmt.Sprintf("Batch %s: %d of %d jobs failed", name, failed, total)
		msg.tags = append(msg.tags, "failed")
		msg.priority = "high"
	} else {
		msg.title = "Accession - Batch Complete"
		msg.body = fmt.Sprintf("Batch %s: %d of %d jobs completed", name, completed, total)
		msg.tags = append(msg.tags, "completed")
	}
	if deleted > 0 {
		msg.body += fmt.Sprintf(", %d deleted", deleted)
	}
	if submitter := strings.TrimSpace(batch.Payload.Submitter); submitter != "" {
		msg.body += "\nSubmitted by " + submitter
	}
	return msg
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyBatchReported(context.Context, *queue.Batch) error { return nil }
func (noopService) TestNotification(context.Context) error                  { return nil }
