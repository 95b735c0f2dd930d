package resourceaccess

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/loomkit/loomkit/pkg/broker"
	"github.com/loomkit/loomkit/pkg/log"
	"github.com/rs/zerolog"
)

// Handler dispatches one decoded command frame and reports whether it
// succeeded. result becomes the body of the CommandCompletion frame sent
// back to the caller; err is logged but never itself put on the wire.
type Handler interface {
	HandleCommand(ctx context.Context, command CommandID, payload []byte) (success bool, result []byte, err error)
}

// Server is the resource-process half of ResourceAccess: it listens on a
// Unix-domain socket, dispatches each connection's commands to Handler,
// and broadcasts RevisionUpdate and Notification frames to every
// connected client.
type Server struct {
	listener      net.Listener
	handler       Handler
	revisions     *broker.Broker[uint64]
	notifications *broker.Broker[Notification]
	logger        zerolog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	stopCh chan struct{}
}

// NewServer binds socketPath (removing any stale socket file left behind
// by a crashed previous instance) and returns a Server ready for Serve.
func NewServer(socketPath string, handler Handler, revisions *broker.Broker[uint64], notifications *broker.Broker[Notification]) (*Server, error) {
	if err := os.RemoveAll(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: removing stale socket: %v", ErrConnectionError, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionError, err)
	}
	return &Server{
		listener:      listener,
		handler:       handler,
		revisions:     revisions,
		notifications: notifications,
		logger:        log.WithComponent("resourceaccess.server"),
		conns:         make(map[net.Conn]struct{}),
		stopCh:        make(chan struct{}),
	}, nil
}

// Serve accepts connections until Close is called or ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go s.broadcastRevisions(ctx)
	go s.broadcastNotifications(ctx)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
			}
			return fmt.Errorf("%w: %v", ErrConnectionError, err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting connections and closes every open one.
func (s *Server) Close() error {
	close(s.stopCh)
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			return
		}

		switch frame.Command {
		case CommandHandshake:
			if pid, ok := decodeHandshake(frame.Payload); ok {
				s.logger.Info().Uint32("process_id", pid).Msg("handshake received")
			}
			continue
		case CommandShutdown:
			return
		}

		success, result, err := s.handler.HandleCommand(ctx, frame.Command, frame.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Str("command", frame.Command.String()).Msg("command handler error")
			success = false
		}
		completion := Frame{MessageID: frame.MessageID, Command: CommandCompletion, Payload: encodeCompletion(success, result)}
		if err := WriteFrame(conn, completion); err != nil {
			return
		}
	}
}

func (s *Server) broadcastRevisions(ctx context.Context) {
	sub := s.revisions.Subscribe()
	defer s.revisions.Unsubscribe(sub)
	for {
		select {
		case revision, ok := <-sub:
			if !ok {
				return
			}
			s.broadcastFrame(Frame{Command: CommandRevisionUpdate, Payload: encodeRevision(revision)})
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) broadcastNotifications(ctx context.Context) {
	sub := s.notifications.Subscribe()
	defer s.notifications.Unsubscribe(sub)
	for {
		select {
		case n, ok := <-sub:
			if !ok {
				return
			}
			s.broadcastFrame(Frame{Command: CommandNotification, Payload: encodeNotification(n)})
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) broadcastFrame(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = WriteFrame(conn, f)
	}
}
