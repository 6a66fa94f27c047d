package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/semfold/semfold/internal/fmdm"
)

// requestDeadline bounds a single request/response exchange. Watch
// connections clear it once the stream is established.
const requestDeadline = 30 * time.Second

// RequestHandler handles incoming RPC requests.
type RequestHandler interface {
	AddFolder(ctx context.Context, path, modelID string) error
	RemoveFolder(ctx context.Context, path string) error
	RetryFolder(ctx context.Context, path string) error
	Search(ctx context.Context, params SearchParams) ([]SearchResult, error)
	Status() StatusResult

	// WatchUpdates subscribes to state snapshots. The returned cancel
	// must be called when the stream ends.
	WatchUpdates() (<-chan fmdm.Snapshot, func())
}

// Server listens on a Unix socket and handles RPC requests.
type Server struct {
	socketPath string
	handler    RequestHandler
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a server that listens on the given socket path.
func NewServer(socketPath string, handler RequestHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger,
	}
}

// ListenAndServe starts the server and blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up any stale socket
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	s.logger.Info("server listening", slog.String("socket", s.socketPath))

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			s.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.wg.Wait()
	return ctx.Err()
}

// Close stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(requestDeadline)); err != nil {
		s.logger.Warn("failed to set connection deadline", slog.String("error", err.Error()))
	}

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		_ = encoder.Encode(NewErrorResponse("", ErrCodeParseError, "failed to parse request"))
		return
	}

	// Watch upgrades the connection to a snapshot stream and owns it
	// until the client hangs up.
	if req.Method == MethodWatch {
		s.handleWatch(ctx, conn, encoder, req)
		return
	}

	resp := s.handleRequest(ctx, req)
	_ = encoder.Encode(resp)
}

// handleRequest dispatches a request to the appropriate handler.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodPing:
		return NewSuccessResponse(req.ID, PingResult{Pong: true})

	case MethodStatus:
		return NewSuccessResponse(req.ID, s.handler.Status())

	case MethodAddFolder:
		var params AddFolderParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		if err := s.handler.AddFolder(ctx, params.Path, params.Model); err != nil {
			return newDaemonErrorResponse(req.ID, rpcCodeFor(err), err)
		}
		return NewSuccessResponse(req.ID, AckResult{OK: true})

	case MethodRemoveFolder:
		var params RemoveFolderParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		if err := s.handler.RemoveFolder(ctx, params.Path); err != nil {
			return newDaemonErrorResponse(req.ID, rpcCodeFor(err), err)
		}
		return NewSuccessResponse(req.ID, AckResult{OK: true})

	case MethodRetryFolder:
		var params RetryFolderParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		if err := s.handler.RetryFolder(ctx, params.Path); err != nil {
			return newDaemonErrorResponse(req.ID, rpcCodeFor(err), err)
		}
		return NewSuccessResponse(req.ID, AckResult{OK: true})

	case MethodSearch:
		var params SearchParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		results, err := s.handler.Search(ctx, params)
		if err != nil {
			return newDaemonErrorResponse(req.ID, rpcCodeFor(err), err)
		}
		return NewSuccessResponse(req.ID, results)

	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// handleWatch acknowledges the subscription and then streams one snapshot
// per line until the client disconnects or the daemon shuts down.
func (s *Server) handleWatch(ctx context.Context, conn net.Conn, encoder *json.Encoder, req Request) {
	updates, cancel := s.handler.WatchUpdates()
	defer cancel()

	// Streams are long-lived; write failure is the disconnect signal.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.logger.Warn("failed to clear connection deadline", slog.String("error", err.Error()))
	}

	if err := encoder.Encode(NewSuccessResponse(req.ID, AckResult{OK: true})); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := encoder.Encode(snap); err != nil {
				return
			}
		}
	}
}

// decodeParams unmarshals req.Params into dst, validating when the
// params type supports it. Returns the error response on failure.
func decodeParams(req Request, dst interface{}) (Response, bool) {
	data, err := json.Marshal(req.Params)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to encode params"), false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params"), false
	}
	if v, ok := dst.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error()), false
		}
	}
	return Response{}, true
}
