package uds

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"bms-simulator/bms"
)

// maxRequestSize bounds one framed request. Diagnostic requests are tiny;
// anything larger is a framing error, not a legitimate message.
const maxRequestSize = 4096

// Server accepts tester connections over TCP and runs each request through
// the dispatcher. Framing is a 2-byte big-endian length prefix in both
// directions; a request whose response is suppressed produces no bytes at
// all.
type Server struct {
	dispatcher *Dispatcher
	logger     *bms.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewServer(dispatcher *Dispatcher, logger *bms.Logger) *Server {
	return &Server{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Start binds addr and launches the accept loop. Idempotent while running.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind UDS listener: %w", err)
	}
	s.listener = listener
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)
	s.logger.Infof("UDS server listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address, useful when Start was given port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for connection handlers to drain,
// bounded at 5 seconds.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	_ = s.listener.Close()
	s.listener = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warnf("Timeout waiting for UDS connections to drain")
	}
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Errorf("UDS accept failed: %v", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Unblock pending reads when the server shuts down.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.logger.Debugf("UDS tester connected: %s", conn.RemoteAddr())
	for {
		req, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.logger.Debugf("UDS connection closed: %v", err)
			}
			return
		}

		resp := s.dispatcher.Process(req)
		if resp == nil {
			continue
		}
		if err := WriteFrame(conn, resp); err != nil {
			s.logger.Debugf("UDS write failed: %v", err)
			return
		}
	}
}

// ReadFrame reads one length-prefixed payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint16(header[:])
	if size == 0 || size > maxRequestSize {
		return nil, fmt.Errorf("invalid frame length %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxRequestSize {
		return fmt.Errorf("payload too large: %d bytes", len(payload))
	}
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[2:], payload)
	_, err := w.Write(frame)
	return err
}
