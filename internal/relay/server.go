package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// ServerConfig controls the relay server.
type ServerConfig struct {
	Addr string
	// RequestTimeout bounds a single browser navigation end to end.
	RequestTimeout time.Duration
	// CacheTTL is how long a rendered page is served from memory before
	// the browser is asked again. Zero disables the cache.
	CacheTTL time.Duration
}

// Server accepts relay connections and executes browser fetches.
//
// Requests for the same source run strictly one at a time on that
// source's pinned browser session; requests for different sources run
// concurrently. A lost session is rebuilt once and the request replayed
// before the failure is surfaced.
type Server struct {
	cfg     ServerConfig
	factory SessionFactory
	clock   watch.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	workers map[string]*sourceWorker
	ln      net.Listener
	conns   sync.WaitGroup
}

// NewServer builds a relay server.
func NewServer(cfg ServerConfig, factory SessionFactory, clock watch.Clock, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	return &Server{
		cfg:     cfg,
		factory: factory,
		clock:   clock,
		logger:  logger,
		workers: make(map[string]*sourceWorker),
	}
}

// Serve listens and blocks until ctx is canceled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("relay listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("relay listening", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.drain()
				return nil
			}
			return fmt.Errorf("relay accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Addr reports the bound listen address, for tests using port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) drain() {
	s.conns.Wait()
	s.mu.Lock()
	workers := s.workers
	s.workers = make(map[string]*sourceWorker)
	s.mu.Unlock()
	for _, w := range workers {
		w.stop()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.logger.Debug("relay connection opened", zap.String("remote", conn.RemoteAddr().String()))

	decoder := json.NewDecoder(conn)
	var writeMu sync.Mutex
	encoder := json.NewEncoder(conn)

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		var frame requestFrame
		if err := decoder.Decode(&frame); err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("relay connection closed", zap.Error(err))
			}
			return
		}
		inflight.Add(1)
		go func(frame requestFrame) {
			defer inflight.Done()
			response := s.execute(ctx, frame.fetchRequest())
			writeMu.Lock()
			defer writeMu.Unlock()
			var out responseFrame
			if response.err != nil {
				out = frameFromError(frame.ID, response.err)
			} else {
				out = frameFromResponse(frame.ID, response.resp)
			}
			if err := encoder.Encode(out); err != nil {
				s.logger.Warn("relay write failed", zap.String("id", frame.ID), zap.Error(err))
			}
		}(frame)
	}
}

type execResult struct {
	resp watch.FetchResponse
	err  error
}

// execute routes the request to the source's worker and waits for the
// serialized result.
func (s *Server) execute(ctx context.Context, request watch.FetchRequest) execResult {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	worker := s.workerFor(request.SourceID)
	reply := make(chan execResult, 1)
	select {
	case worker.requests <- workItem{ctx: reqCtx, request: request, reply: reply}:
	case <-reqCtx.Done():
		return execResult{err: watch.NewRelayError(watch.RelayTimeout, request.SourceID,
			fmt.Errorf("queue wait: %w", reqCtx.Err()))}
	}
	select {
	case result := <-reply:
		return result
	case <-reqCtx.Done():
		return execResult{err: watch.NewRelayError(watch.RelayTimeout, request.SourceID, reqCtx.Err())}
	}
}

func (s *Server) workerFor(sourceID string) *sourceWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[sourceID]; ok {
		return w
	}
	w := &sourceWorker{
		sourceID: sourceID,
		factory:  s.factory,
		clock:    s.clock,
		cacheTTL: s.cfg.CacheTTL,
		logger:   s.logger.With(zap.String("source", sourceID)),
		requests: make(chan workItem),
		done:     make(chan struct{}),
	}
	go w.run()
	s.workers[sourceID] = w
	return w
}

type workItem struct {
	ctx     context.Context
	request watch.FetchRequest
	reply   chan execResult
}

// sourceWorker serializes all browser activity for one source.
type sourceWorker struct {
	sourceID string
	factory  SessionFactory
	clock    watch.Clock
	cacheTTL time.Duration
	logger   *zap.Logger

	requests chan workItem
	done     chan struct{}
	stopOnce sync.Once

	session BrowserSession
	cache   map[string]cachedPage
}

type cachedPage struct {
	resp    watch.FetchResponse
	fetched time.Time
}

func (w *sourceWorker) stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *sourceWorker) run() {
	defer func() {
		if w.session != nil {
			w.session.Close()
			w.session = nil
		}
	}()
	for {
		select {
		case <-w.done:
			return
		case item := <-w.requests:
			resp, err := w.handle(item.ctx, item.request)
			item.reply <- execResult{resp: resp, err: err}
		}
	}
}

func (w *sourceWorker) handle(ctx context.Context, request watch.FetchRequest) (watch.FetchResponse, error) {
	if resp, ok := w.cached(request); ok {
		w.logger.Debug("relay cache hit", zap.String("url", request.URL))
		return resp, nil
	}

	if err := w.ensureSession(ctx); err != nil {
		return watch.FetchResponse{}, err
	}

	resp, err := w.session.Navigate(ctx, request)
	if watch.RelayReasonOf(err) == watch.RelaySessionLost {
		// One rebuild-and-replay before giving up.
		w.logger.Warn("browser session lost, rebuilding", zap.Error(err))
		w.session.Close()
		w.session = nil
		if err := w.ensureSession(ctx); err != nil {
			return watch.FetchResponse{}, err
		}
		resp, err = w.session.Navigate(ctx, request)
	}
	if err != nil {
		return watch.FetchResponse{}, err
	}

	w.store(request, resp)
	return resp, nil
}

func (w *sourceWorker) ensureSession(ctx context.Context) error {
	if w.session != nil {
		return nil
	}
	session, err := w.factory.NewSession(ctx, w.sourceID)
	if err != nil {
		return watch.NewRelayError(watch.RelaySessionLost, w.sourceID,
			fmt.Errorf("open session: %w", err))
	}
	w.session = session
	return nil
}

func (w *sourceWorker) cached(request watch.FetchRequest) (watch.FetchResponse, bool) {
	if w.cacheTTL <= 0 || !isCacheable(request) {
		return watch.FetchResponse{}, false
	}
	entry, ok := w.cache[request.URL]
	if !ok {
		return watch.FetchResponse{}, false
	}
	if w.clock.Now().Sub(entry.fetched) > w.cacheTTL {
		delete(w.cache, request.URL)
		return watch.FetchResponse{}, false
	}
	return entry.resp, true
}

func (w *sourceWorker) store(request watch.FetchRequest, resp watch.FetchResponse) {
	if w.cacheTTL <= 0 || !isCacheable(request) {
		return
	}
	if w.cache == nil {
		w.cache = make(map[string]cachedPage)
	}
	w.cache[request.URL] = cachedPage{resp: resp, fetched: w.clock.Now()}
}

func isCacheable(request watch.FetchRequest) bool {
	return request.Method == "" || request.Method == http.MethodGet
}
