// Package api serves the device broker on a Unix socket.
//
// A connection carries a stream of CBOR requests from the client and a
// stream of CBOR frames back: replies, and every event the devices
// publish. Requests are handled concurrently, so a call stuck in
// authorization never holds up other calls on the same connection.
// Closing the connection tells the broker the client is gone.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andyleap/fprint/internal/codec"
	"github.com/andyleap/fprint/internal/events"
	"github.com/andyleap/fprint/internal/models"
	"github.com/andyleap/fprint/internal/registry"
)

// ActionFunc handles one request on behalf of caller. A non-nil result
// is encoded into the reply's data field.
type ActionFunc func(ctx context.Context, caller models.Caller, req *Request) (any, error)

// IdentityFunc names the user on the other end of conn.
type IdentityFunc func(conn net.Conn) (string, error)

// writeTimeout bounds a single frame write.
const writeTimeout = 10 * time.Second

type Server struct {
	socketPath string
	registry   *registry.Registry
	hub        *events.Hub
	logger     *slog.Logger
	identify   IdentityFunc
	handlers   map[string]ActionFunc

	activeConnections sync.WaitGroup
}

func NewServer(socketPath string, reg *registry.Registry, hub *events.Hub, logger *slog.Logger) *Server {
	s := &Server{
		socketPath: socketPath,
		registry:   reg,
		hub:        hub,
		logger:     logger,
		identify:   PeerIdentity,
		handlers:   make(map[string]ActionFunc),
	}
	s.registerHandlers()
	return s
}

// SetIdentify replaces peer credential lookup.
func (s *Server) SetIdentify(fn IdentityFunc) {
	s.identify = fn
}

// Handle registers a handler for action. It panics on duplicates.
func (s *Server) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("api.Server: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Serve accepts connections until ctx is cancelled, then closes them
// and waits for their cleanup. A stale socket file is replaced.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0666); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	s.logger.Info("socket server listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	identity, err := s.identify(conn)
	if err != nil {
		s.logger.Warn("failed to identify client", "error", err)
		return
	}
	caller := models.Caller{ClientID: uuid.NewString(), Identity: identity}
	logger := s.logger.With("client", caller.ClientID, "identity", identity)
	logger.Debug("client connected")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outbox := events.NewQueue[Frame]()
	unsubscribe := s.hub.SubscribeFunc(func(ev models.Event) {
		outbox.Push(Frame{Type: FrameEvent, Event: &ev})
	})
	defer unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeFrames(conn, outbox, logger)
	}()

	var inflight sync.WaitGroup
	decoder := codec.NewDecoder(conn)
	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("failed to read request", "error", err)
			}
			break
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			outbox.Push(s.dispatch(connCtx, caller, &req, logger))
		}()
	}

	// The client is gone: abandon its pending calls and give up its
	// claims before tearing down the connection.
	cancel()
	unsubscribe()
	s.registry.ClientVanished(caller.ClientID)
	inflight.Wait()
	outbox.Close()
	<-writerDone
	logger.Debug("client disconnected")
}

func (s *Server) dispatch(ctx context.Context, caller models.Caller, req *Request, logger *slog.Logger) Frame {
	frame := Frame{Type: FrameReply, ID: req.ID}

	handler, exists := s.handlers[req.Action]
	if !exists {
		frame.Error = fmt.Sprintf("unknown action %q", req.Action)
		frame.ErrorName = models.ErrorName(models.ErrInternal)
		return frame
	}

	result, err := handler(ctx, caller, req)
	if err != nil {
		logger.Debug("action failed", "action", req.Action, "device", req.Device, "error", err)
		frame.Error = err.Error()
		frame.ErrorName = models.ErrorName(err)
		return frame
	}

	frame.OK = true
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			return Frame{
				Type:      FrameReply,
				ID:        req.ID,
				Error:     fmt.Sprintf("failed to marshal response: %v", err),
				ErrorName: models.ErrorName(models.ErrInternal),
			}
		}
		frame.Data = data
	}
	return frame
}

func (s *Server) writeFrames(conn net.Conn, outbox *events.Queue[Frame], logger *slog.Logger) {
	encoder := codec.NewEncoder(conn)
	for {
		frame, err := outbox.Next(context.Background())
		if err != nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := encoder.Encode(frame); err != nil {
			logger.Debug("failed to write frame", "error", err)
			conn.Close()
			return
		}
	}
}
