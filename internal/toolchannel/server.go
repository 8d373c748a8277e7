package toolchannel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/xxxxxccc/devops-bot-sub000/internal/toolregistry"
)

// Server exposes a toolregistry.Registry over the wire protocol: one
// accepted connection per Executor session, one JSON object per line in
// each direction.
type Server struct {
	registry *toolregistry.Registry
	logger   *slog.Logger
}

// NewServer wraps reg for out-of-process access.
func NewServer(reg *toolregistry.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registry: reg, logger: logger}
}

// Serve accepts connections on l until ctx is cancelled or l.Accept fails.
// Each connection is handled on its own goroutine; Serve returns once the
// listener is closed.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := l.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewScanner(conn)
	reader.Buffer(make([]byte, 64*1024), 8<<20)
	enc := json.NewEncoder(conn)

	for reader.Scan() {
		var req Request
		if err := json.Unmarshal(reader.Bytes(), &req); err != nil {
			_ = enc.Encode(Response{Error: "invalid request: " + err.Error()})
			continue
		}

		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			s.logger.Warn("toolchannel: write response failed", "err", err)
			return
		}
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Warn("toolchannel: connection read failed", "err", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodListTools:
		return Response{ID: req.ID, Tools: toolregistry.Definitions(s.registry.GetAll())}
	case MethodExecute:
		if req.Tool == "" {
			return Response{ID: req.ID, Error: "tool name is required"}
		}
		result, err := s.registry.Execute(ctx, req.Tool, req.Args)
		if err != nil {
			return Response{ID: req.ID, Error: err.Error()}
		}
		return Response{ID: req.ID, Result: &result}
	default:
		return Response{ID: req.ID, Error: "unknown method: " + req.Method}
	}
}
