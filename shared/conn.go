package shared

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mdlayher/vsock"
)

// Conn abstracts the byte-stream the secure channel frames. The core defines
// only the cryptographic envelope; sockets and framing come from the
// transport collaborator, adapted here for websocket and vsock.
type Conn interface {
	// ReadMessage returns the next complete message.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one complete message.
	WriteMessage(data []byte) error

	Close() error
	RemoteAddr() string
}

// WSConn adapts a gorilla websocket connection. Writes are serialized; the
// websocket package does not allow concurrent writers.
type WSConn struct {
	conn  *websocket.Conn
	mutex sync.Mutex
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (w *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *WSConn) WriteMessage(data []byte) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *WSConn) Close() error {
	return w.conn.Close()
}

func (w *WSConn) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

// StreamConn adapts any net.Conn (vsock, TCP, net.Pipe in tests) with
// length-prefixed framing: 4-byte big-endian length followed by the payload.
type StreamConn struct {
	conn  net.Conn
	mutex sync.Mutex
}

// maxFrameSize bounds a single frame to keep a malicious peer from forcing
// unbounded allocations before authentication.
const maxFrameSize = 16 << 20

func NewStreamConn(conn net.Conn) *StreamConn {
	return &StreamConn{conn: conn}
}

func (s *StreamConn) ReadMessage() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(s.conn, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(s.conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *StreamConn) WriteMessage(data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := s.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := s.conn.Write(data)
	return err
}

func (s *StreamConn) Close() error {
	return s.conn.Close()
}

func (s *StreamConn) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// DialPeer connects to a peer enclave. Inside an enclave the host is
// reachable over vsock only (parent CID convention); outside, plain TCP.
func DialPeer(cfg *Config, addr string) (Conn, error) {
	if cfg.EnclaveMode {
		conn, err := vsock.Dial(cfg.ParentCID, cfg.VsockPort, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial vsock %d:%d: %w", cfg.ParentCID, cfg.VsockPort, err)
		}
		return NewStreamConn(conn), nil
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewStreamConn(conn), nil
}

// ListenPeer opens the listener peer enclaves connect to.
func ListenPeer(cfg *Config) (net.Listener, error) {
	if cfg.EnclaveMode {
		l, err := vsock.Listen(cfg.VsockPort, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on vsock port %d: %w", cfg.VsockPort, err)
		}
		return l, nil
	}
	l, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	return l, nil
}
