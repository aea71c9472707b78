package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"accession/internal/daemon"
	"accession/internal/logging"
	"accession/internal/queue"
)

const closeGrace = 2 * time.Second

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(ServiceName, &service{daemon: d, logger: logger, ctx: serverCtx}); err != nil {
		cancel()
		_ = listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// Serve starts accepting RPC connections until Close or the context ends.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"),
				)
				continue
			}
			s.track(conn, true)
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer s.track(c, false)
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Close stops accepting, gives in-flight calls closeGrace to answer, then drops
// remaining connections and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	_ = s.listener.Close()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeGrace):
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		<-done
	}
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"),
		)
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.logger.Info("daemon stop requested via IPC", logging.String(logging.FieldEventType, "daemon_stop_requested"))
	if err := s.daemon.Stop(); err != nil {
		return err
	}
	resp.Stopped = true
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	*resp = s.daemon.Status(s.ctx)
	return nil
}

func (s *service) Submit(req SubmitRequest, resp *SubmitResponse) error {
	batch, err := s.daemon.Submit(s.ctx, req.Submission)
	if err != nil {
		return err
	}
	resp.Batch = batch
	return nil
}

func (s *service) QueueList(req QueueListRequest, resp *QueueListResponse) error {
	var kind queue.Kind
	if req.Kind != "" {
		parsed, err := queue.ParseKind(req.Kind)
		if err != nil {
			return err
		}
		kind = parsed
	}
	jobs, batches, err := s.daemon.ListQueue(s.ctx, kind, req.States)
	if err != nil {
		return err
	}
	resp.Jobs, resp.Batches = jobs, batches
	return nil
}

func (s *service) QueueShow(req QueueShowRequest, resp *QueueShowResponse) error {
	kind, err := queue.ParseKind(req.Kind)
	if err != nil {
		return err
	}
	if kind == queue.KindJob {
		resp.Job, err = s.daemon.ShowJob(s.ctx, req.ID)
		return err
	}
	resp.Batch, resp.Jobs, err = s.daemon.ShowBatch(s.ctx, req.ID)
	return err
}

func (s *service) QueueRequeue(req QueueActionRequest, resp *QueueActionResponse) error {
	kind, err := queue.ParseKind(req.Kind)
	if err != nil {
		return err
	}
	if err := s.daemon.Requeue(s.ctx, kind, req.ID); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

func (s *service) QueueDelete(req QueueActionRequest, resp *QueueActionResponse) error {
	kind, err := queue.ParseKind(req.Kind)
	if err != nil {
		return err
	}
	if err := s.daemon.Delete(s.ctx, kind, req.ID); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

func (s *service) HoldSet(req HoldRequest, resp *HoldResponse) error {
	if err := s.daemon.SetHold(s.ctx, req.Collection, req.Reason); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

func (s *service) HoldClear(req HoldRequest, resp *HoldResponse) error {
	if err := s.daemon.ClearHold(s.ctx, req.Collection); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

func (s *service) HoldList(_ HoldListRequest, resp *HoldListResponse) error {
	holds, err := s.daemon.Holds(s.ctx)
	if err != nil {
		return err
	}
	resp.Holds = holds
	return nil
}

func (s *service) Locks(_ LocksRequest, resp *LocksResponse) error {
	locks, err := s.daemon.Locks(s.ctx)
	if err != nil {
		return err
	}
	resp.Locks = locks
	return nil
}

func (s *service) Purge(_ PurgeRequest, resp *PurgeResponse) error {
	result, err := s.daemon.Purge(s.ctx)
	if err != nil {
		return err
	}
	resp.Result = result
	return nil
}
