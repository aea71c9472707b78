package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"accession/internal/config"
	"accession/internal/notifications"
	"accession/internal/queue"
)

type captured struct {
	title    string
	body     string
	tags     string
	priority string
}

func newTopic(t *testing.T, status int) (string, <-chan captured) {
	t.Helper()
	requests := make(chan captured, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- captured{
			title:    r.Header.Get("Title"),
			body:     string(body),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("topic says no"))
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/accession", requests
}

func serviceFor(topic string) notifications.Service {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = topic
	return notifications.NewService(&cfg)
}

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	svc := serviceFor("")
	if err := svc.NotifyBatchReported(context.Background(), &queue.Batch{ID: "b1"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestBatchReportedMessages(t *testing.T) {
	tests := []struct {
		name  string
		batch *queue.Batch
		want  captured
	}{
		{
			name: "completed",
			batch: &queue.Batch{
				ID:      "b1",
				Payload: queue.Submission{Collection: "coll-a", Submitter: "ops"},
				Report:  &queue.Report{Total: 3, Completed: 2, Deleted: 1},
			},
			want: captured{
				title: "Accession - Batch Complete",
				body:  "Batch b1 (coll-a): 2 of 3 jobs completed, 1 deleted\nSubmitted by ops",
				tags:  "accession,batch,completed",
			},
		},
		{
			name: "failed",
			batch: &queue.Batch{
				ID:     "b2",
				Report: &queue.Report{Total: 2, Completed: 1, Failed: 1},
			},
			want: captured{
				title:    "Accession - Batch Failed",
				body:     "Batch b2: 1 of 2 jobs failed",
				tags:     "accession,batch,failed",
				priority: "high",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic, requests := newTopic(t, http.StatusOK)
			if err := serviceFor(topic).NotifyBatchReported(context.Background(), tt.batch); err != nil {
				t.Fatalf("NotifyBatchReported: %v", err)
			}
			got := <-requests
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSendReportsHTTPErrors(t *testing.T) {
	topic, requests := newTopic(t, http.StatusForbidden)
	err := serviceFor(topic).TestNotification(context.Background())
	if err == nil {
		t.Fatal("expected an error for a rejected notification")
	}
	got := <-requests
	if got.priority != "low" {
		t.Fatalf("expected low priority test message, got %+v", got)
	}
}
