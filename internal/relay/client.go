package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// ClientConfig controls the relay client.
type ClientConfig struct {
	Addr           string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// Client implements watch.Fetcher against a relay server. One connection
// is shared by all sources; requests are correlated by id, so slow
// browser navigations do not block unrelated sources.
type Client struct {
	cfg    ClientConfig
	ids    watch.IDGenerator
	logger *zap.Logger

	mu      sync.Mutex
	conn    net.Conn
	encoder *json.Encoder
	pending map[string]chan responseFrame
}

// NewClient builds a relay client. The connection is dialed lazily on
// the first fetch and redialed after a drop.
func NewClient(cfg ClientConfig, ids watch.IDGenerator, logger *zap.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 90 * time.Second
	}
	return &Client{
		cfg:     cfg,
		ids:     ids,
		logger:  logger,
		pending: make(map[string]chan responseFrame),
	}
}

// Close drops the connection and fails any in-flight requests.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Fetch sends the request to the relay and waits for its response frame.
func (c *Client) Fetch(ctx context.Context, request watch.FetchRequest) (watch.FetchResponse, error) {
	id, err := c.ids.NewID()
	if err != nil {
		return watch.FetchResponse{}, fmt.Errorf("relay request id: %w", err)
	}

	reply, err := c.send(id, request)
	if err != nil {
		return watch.FetchResponse{}, watch.NewRelayError(watch.RelaySessionLost, request.SourceID, err)
	}
	defer c.forget(id)

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case frame, ok := <-reply:
		if !ok {
			return watch.FetchResponse{}, watch.NewRelayError(watch.RelaySessionLost, request.SourceID,
				fmt.Errorf("relay connection lost"))
		}
		return frame.fetchResponse(request.SourceID)
	case <-timer.C:
		return watch.FetchResponse{}, watch.NewRelayError(watch.RelayTimeout, request.SourceID,
			fmt.Errorf("no response within %s", c.cfg.RequestTimeout))
	case <-ctx.Done():
		return watch.FetchResponse{}, watch.NewRelayError(watch.RelayTimeout, request.SourceID, ctx.Err())
	}
}

// send registers the pending reply and writes the frame, dialing first
// if needed. Registration happens under the same lock as the write so a
// fast response cannot race the bookkeeping.
func (c *Client) send(id string, request watch.FetchRequest) (chan responseFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := net.DialTimeout("tcp", c.cfg.Addr, c.cfg.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("dial relay %s: %w", c.cfg.Addr, err)
		}
		c.conn = conn
		c.encoder = json.NewEncoder(conn)
		go c.readLoop(conn)
		c.logger.Info("relay connected", zap.String("addr", c.cfg.Addr))
	}

	reply := make(chan responseFrame, 1)
	c.pending[id] = reply

	if err := c.encoder.Encode(frameFromRequest(id, request)); err != nil {
		delete(c.pending, id)
		c.dropLocked()
		return nil, fmt.Errorf("write relay frame: %w", err)
	}
	return reply, nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop routes response frames to their waiters until the connection
// dies, then fails everything still pending.
func (c *Client) readLoop(conn net.Conn) {
	decoder := json.NewDecoder(conn)
	for {
		var frame responseFrame
		if err := decoder.Decode(&frame); err != nil {
			c.logger.Warn("relay connection dropped", zap.Error(err))
			c.mu.Lock()
			if c.conn == conn {
				c.dropLocked()
			}
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		reply, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.mu.Unlock()
		if ok {
			reply <- frame
		}
	}
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.encoder = nil
	}
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
}
