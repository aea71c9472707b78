package ipc

import (
	"accession/internal/cleanup"
	"accession/internal/daemon"
	"accession/internal/queue"
)

// ServiceName is the RPC service the daemon registers.
const ServiceName = "Accession"

// StopRequest stops the daemon.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse is the daemon's status snapshot.
type StatusResponse = daemon.Status

// SubmitRequest carries a batch submission.
type SubmitRequest struct {
	Submission queue.Submission `json:"submission"`
}

// SubmitResponse returns the stored batch.
type SubmitResponse struct {
	Batch *queue.Batch `json:"batch"`
}

// QueueListRequest filters a listing. An empty Kind lists both kinds.
type QueueListRequest struct {
	Kind   string   `json:"kind,omitempty"`
	States []string `json:"states,omitempty"`
}

// QueueListResponse contains queue entries.
type QueueListResponse = daemon.QueueListResponse

// QueueShowRequest names one entity.
type QueueShowRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// QueueShowResponse holds the job, or the batch with its jobs.
type QueueShowResponse struct {
	Job   *queue.Job   `json:"job,omitempty"`
	Batch *queue.Batch `json:"batch,omitempty"`
	Jobs  []*queue.Job `json:"jobs,omitempty"`
}

// QueueActionRequest names the entity for requeue or delete.
type QueueActionRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// QueueActionResponse acknowledges a queue action.
type QueueActionResponse struct {
	OK bool `json:"ok"`
}

// HoldRequest raises or lowers a hold. An empty Collection means the global hold.
type HoldRequest struct {
	Collection string `json:"collection,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// HoldResponse acknowledges a hold change.
type HoldResponse struct {
	OK bool `json:"ok"`
}

// HoldListRequest lists holds.
type HoldListRequest struct{}

// HoldListResponse contains the raised holds.
type HoldListResponse struct {
	Holds []queue.Hold `json:"holds"`
}

// LocksRequest lists live locks.
type LocksRequest struct{}

// LocksResponse contains live locks.
type LocksResponse struct {
	Locks []queue.LockInfo `json:"locks"`
}

// PurgeRequest runs one cleanup pass.
type PurgeRequest struct{}

// PurgeResponse reports what the pass removed.
type PurgeResponse struct {
	Result cleanup.Result `json:"result"`
}
