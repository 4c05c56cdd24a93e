package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// RawSocketConfig controls the plain-TCP push channel. The receiving
// side expects a JSON handshake line identifying the sender before any
// event frames.
type RawSocketConfig struct {
	Addr        string
	ClientName  string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// RawSocket pushes alerts as newline-delimited JSON over TCP, after a
// one-line authentication handshake.
type RawSocket struct {
	cfg RawSocketConfig

	mu   sync.Mutex
	conn net.Conn
}

type rawHandshake struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type rawHandshakeReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NewRawSocket builds the channel.
func NewRawSocket(cfg RawSocketConfig) *RawSocket {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &RawSocket{cfg: cfg}
}

func (r *RawSocket) Name() string { return "raw-socket" }

// Close drops the connection.
func (r *RawSocket) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked()
}

// Send writes one event frame, performing the handshake on a fresh
// connection and retrying once on a stale one.
func (r *RawSocket) Send(_ context.Context, event watch.ContentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return watch.NewDeliveryError(r.Name(), watch.DeliveryMalformed, err)
	}
	payload = append(payload, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := false
	if r.conn == nil {
		if err := r.connectLocked(); err != nil {
			return watch.NewDeliveryError(r.Name(), watch.DeliveryUnreachable, err)
		}
		fresh = true
	}

	if _, err := r.conn.Write(payload); err != nil {
		r.dropLocked()
		if fresh {
			return watch.NewDeliveryError(r.Name(), watch.DeliveryUnreachable, err)
		}
		if err := r.connectLocked(); err != nil {
			return watch.NewDeliveryError(r.Name(), watch.DeliveryUnreachable, err)
		}
		if _, err := r.conn.Write(payload); err != nil {
			r.dropLocked()
			return watch.NewDeliveryError(r.Name(), watch.DeliveryUnreachable, err)
		}
	}
	return nil
}

func (r *RawSocket) connectLocked() error {
	conn, err := net.DialTimeout("tcp", r.cfg.Addr, r.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", r.cfg.Addr, err)
	}

	handshake, err := json.Marshal(rawHandshake{
		Name:     r.cfg.ClientName,
		Username: r.cfg.Username,
		Password: r.cfg.Password,
	})
	if err != nil {
		_ = conn.Close()
		return err
	}
	if _, err := conn.Write(append(handshake, '\n')); err != nil {
		_ = conn.Close()
		return fmt.Errorf("handshake write: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(r.cfg.DialTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("handshake read: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var reply rawHandshakeReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &reply); err != nil {
		_ = conn.Close()
		return fmt.Errorf("handshake decode: %w", err)
	}
	if !reply.OK {
		_ = conn.Close()
		return fmt.Errorf("handshake rejected: %s", reply.Error)
	}

	r.conn = conn
	return nil
}

func (r *RawSocket) dropLocked() {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}
