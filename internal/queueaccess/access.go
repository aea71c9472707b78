package queueaccess

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"accession/internal/cleanup"
	"accession/internal/ipc"
	"accession/internal/queue"
)

// Access provides queue administration whether the daemon is reachable over
// IPC or the CLI talks to the coordination store itself.
type Access interface {
	Stats(ctx context.Context) (queue.Stats, error)
	List(ctx context.Context, kind queue.Kind, states []string) ([]*queue.Job, []*queue.Batch, error)
	ShowJob(ctx context.Context, id string) (*queue.Job, error)
	ShowBatch(ctx context.Context, id string) (*queue.Batch, []*queue.Job, error)
	Submit(ctx context.Context, submission queue.Submission) (*queue.Batch, error)
	Requeue(ctx context.Context, kind queue.Kind, id string) error
	Delete(ctx context.Context, kind queue.Kind, id string) error
	SetHold(ctx context.Context, collection, reason string) error
	ClearHold(ctx context.Context, collection string) error
	Holds(ctx context.Context) ([]queue.Hold, error)
	Locks(ctx context.Context) ([]queue.LockInfo, error)
	Purge(ctx context.Context) (cleanup.Result, error)
}

// NewIPCAccess returns an Access backed by daemon IPC.
func NewIPCAccess(client *ipc.Client) Access {
	return &ipcAccess{client: client}
}

// NewStoreAccess returns an Access backed by a direct store session. Purge
// uses retention.
func NewStoreAccess(store *queue.Store, retention cleanup.Options, logger *slog.Logger) Access {
	return &storeAccess{store: store, retention: retention, logger: logger}
}

type ipcAccess struct {
	client *ipc.Client
}

func (a *ipcAccess) Stats(_ context.Context) (queue.Stats, error) {
	resp, err := a.client.Status()
	if err != nil {
		return queue.Stats{}, err
	}
	if resp.Queue == nil {
		return queue.Stats{}, fmt.Errorf("queue unavailable: %s", resp.QueueError)
	}
	return *resp.Queue, nil
}

func (a *ipcAccess) List(_ context.Context, kind queue.Kind, states []string) ([]*queue.Job, []*queue.Batch, error) {
	resp, err := a.client.QueueList(ipc.QueueListRequest{Kind: string(kind), States: states})
	if err != nil {
		return nil, nil, err
	}
	return resp.Jobs, resp.Batches, nil
}

func (a *ipcAccess) ShowJob(_ context.Context, id string) (*queue.Job, error) {
	resp, err := a.client.QueueShow(ipc.QueueShowRequest{Kind: string(queue.KindJob), ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (a *ipcAccess) ShowBatch(_ context.Context, id string) (*queue.Batch, []*queue.Job, error) {
	resp, err := a.client.QueueShow(ipc.QueueShowRequest{Kind: string(queue.KindBatch), ID: id})
	if err != nil {
		return nil, nil, err
	}
	return resp.Batch, resp.Jobs, nil
}

func (a *ipcAccess) Submit(_ context.Context, submission queue.Submission) (*queue.Batch, error) {
	resp, err := a.client.Submit(ipc.SubmitRequest{Submission: submission})
	if err != nil {
		return nil, err
	}
	return resp.Batch, nil
}

func (a *ipcAccess) Requeue(_ context.Context, kind queue.Kind, id string) error {
	return a.client.QueueRequeue(ipc.QueueActionRequest{Kind: string(kind), ID: id})
}

func (a *ipcAccess) Delete(_ context.Context, kind queue.Kind, id string) error {
	return a.client.QueueDelete(ipc.QueueActionRequest{Kind: string(kind), ID: id})
}

func (a *ipcAccess) SetHold(_ context.Context, collection, reason string) error {
	return a.client.HoldSet(ipc.HoldRequest{Collection: collection, Reason: reason})
}

func (a *ipcAccess) ClearHold(_ context.Context, collection string) error {
	return a.client.HoldClear(ipc.HoldRequest{Collection: collection})
}

func (a *ipcAccess) Holds(_ context.Context) ([]queue.Hold, error) {
	resp, err := a.client.HoldList()
	if err != nil {
		return nil, err
	}
	return resp.Holds, nil
}

func (a *ipcAccess) Locks(_ context.Context) ([]queue.LockInfo, error) {
	resp, err := a.client.Locks()
	if err != nil {
		return nil, err
	}
	return resp.Locks, nil
}

func (a *ipcAccess) Purge(_ context.Context) (cleanup.Result, error) {
	resp, err := a.client.Purge()
	if err != nil {
		return cleanup.Result{}, err
	}
	return resp.Result, nil
}

type storeAccess struct {
	store     *queue.Store
	retention cleanup.Options
	logger    *slog.Logger
}

func (a *storeAccess) Stats(ctx context.Context) (queue.Stats, error) {
	return a.store.Stats(ctx)
}

func (a *storeAccess) List(ctx context.Context, kind queue.Kind, states []string) ([]*queue.Job, []*queue.Batch, error) {
	var (
		jobs    []*queue.Job
		batches []*queue.Batch
	)
	if kind == "" || kind == queue.KindBatch {
		filter, err := queue.ParseStates(queue.KindBatch, states)
		if err != nil {
			return nil, nil, err
		}
		if batches, err = a.store.ListBatches(ctx, filter...); err != nil {
			return nil, nil, err
		}
	}
	if kind == "" || kind == queue.KindJob {
		filter, err := queue.ParseStates(queue.KindJob, states)
		if err != nil {
			return nil, nil, err
		}
		if jobs, err = a.store.ListJobs(ctx, filter...); err != nil {
			return nil, nil, err
		}
	}
	return jobs, batches, nil
}

func (a *storeAccess) ShowJob(ctx context.Context, id string) (*queue.Job, error) {
	return a.store.GetJob(ctx, id)
}

func (a *storeAccess) ShowBatch(ctx context.Context, id string) (*queue.Batch, []*queue.Job, error) {
	batch, err := a.store.GetBatch(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	jobs, err := a.store.JobsForBatch(ctx, batch)
	if err != nil {
		return nil, nil, err
	}
	return batch, jobs, nil
}

func (a *storeAccess) Submit(ctx context.Context, submission queue.Submission) (*queue.Batch, error) {
	return a.store.SubmitBatch(ctx, submission)
}

func (a *storeAccess) Requeue(ctx context.Context, kind queue.Kind, id string) error {
	return a.store.Requeue(ctx, kind, id)
}

func (a *storeAccess) Delete(ctx context.Context, kind queue.Kind, id string) error {
	return a.store.Delete(ctx, kind, id)
}

func (a *storeAccess) SetHold(ctx context.Context, collection, reason string) error {
	if strings.TrimSpace(collection) == "" {
		return a.store.SetGlobalHold(ctx, reason)
	}
	return a.store.SetCollectionHold(ctx, collection, reason)
}

func (a *storeAccess) ClearHold(ctx context.Context, collection string) error {
	if strings.TrimSpace(collection) == "" {
		return a.store.ClearGlobalHold(ctx)
	}
	return a.store.ClearCollectionHold(ctx, collection)
}

func (a *storeAccess) Holds(ctx context.Context) ([]queue.Hold, error) {
	return a.store.ListHolds(ctx)
}

func (a *storeAccess) Locks(ctx context.Context) ([]queue.LockInfo, error) {
	return a.store.Locks(ctx)
}

func (a *storeAccess) Purge(ctx context.Context) (cleanup.Result, error) {
	return cleanup.New(a.store, a.retention, a.logger).RunOnce(ctx)
}
