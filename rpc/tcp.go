package rpc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	TCPTimeout   = 10 * time.Second
	maxFrameSize = 64 << 20
)

var errFrameTooLarge = errors.New("rpc: frame too large")

// writeFrame writes an 8-byte big endian length followed by the payload
func writeFrame(w io.Writer, b []byte) error {
	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(len(b)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint64(header[:])
	if size > maxFrameSize {
		return nil, errFrameTooLarge
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

type tcpResponse struct {
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// ================================================================
// Client
// ================================================================

// TCPCaller dials a new connection for every call
type TCPCaller struct {
	addresses map[string]string
	dialer    net.Dialer
}

func NewTCPCaller(addresses map[string]string) *TCPCaller {
	return &TCPCaller{
		addresses: addresses,
	}
}

func (c *TCPCaller) Call(ctx context.Context, to string, input []byte) ([]byte, error) {
	addr, ok := c.addresses[to]
	if !ok {
		return nil, fmt.Errorf("no address of process '%s': %w", to, ErrUnreachable)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(TCPTimeout)
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial '%s': %w: %w", to, ErrUnreachable, err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := writeFrame(conn, input); err != nil {
		return nil, err
	}

	b, err := readFrame(conn)
	if err != nil {
		return nil, err
	}

	var resp tcpResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errorFromText(resp.Error)
	}
	return resp.Body, nil
}

// ================================================================
// Server
// ================================================================

type TCPServer interface {
	Addr() net.Addr
	Serve(dispatcher Dispatcher) error
	Close() error
}

type tcpServer struct {
	listener net.Listener
	logger   *zap.Logger

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
}

func NewTCPServer(bindAddr string, logger *zap.Logger) (TCPServer, error) {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &tcpServer{
		listener: listener,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (s *tcpServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting connections and waits for the running handlers
func (s *tcpServer) Close() error {
	s.cancel()
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *tcpServer) handleConn(dispatcher Dispatcher, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(TCPTimeout)); err != nil {
		return
	}

	input, err := readFrame(conn)
	if err != nil {
		s.logger.Debug("read frame", zap.Error(err))
		return
	}

	var resp tcpResponse
	output, err := dispatcher.Handle(s.ctx, input)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Body = output
	}

	b, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", zap.Error(err))
		return
	}

	if err := writeFrame(conn, b); err != nil {
		s.logger.Debug("write frame", zap.Error(err))
	}
}

func (s *tcpServer) Serve(dispatcher Dispatcher) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Go(func() {
			s.handleConn(dispatcher, conn)
		})
	}
}
