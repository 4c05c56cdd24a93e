// Package errnotify turns operational failures into rate-limited alerts
// on the operations channel. Poll cycles report here instead of crashing.
package errnotify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// Config controls alert pacing.
type Config struct {
	// Interval is the minimum gap between alerts for the same
	// source and class. Repeats inside the gap are logged but not sent.
	Interval time.Duration
	// EscalateAfter promotes a transient failure to degraded once it has
	// repeated this many times without an intervening success.
	EscalateAfter int
	// SendTimeout bounds the ops channel delivery.
	SendTimeout time.Duration
}

// Notifier implements watch.Reporter. Every report is logged; delivery
// to the ops channel is throttled per (source, class) except for fatal
// reports, which always go out.
type Notifier struct {
	cfg    Config
	ops    watch.Channel
	clock  watch.Clock
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	repeats  map[string]int
}

// New builds a Notifier. ops may be nil, leaving log-only reporting.
func New(cfg Config, ops watch.Channel, clock watch.Clock, logger *zap.Logger) *Notifier {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Notifier{
		cfg:      cfg,
		ops:      ops,
		clock:    clock,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		repeats:  make(map[string]int),
	}
}

// Report records one failure.
func (n *Notifier) Report(sourceID string, class watch.ErrorClass, detail string) {
	n.mu.Lock()
	repeatKey := sourceID + "/" + string(class)
	n.repeats[repeatKey]++
	repeats := n.repeats[repeatKey]
	if class == watch.ClassTransient && repeats >= n.cfg.EscalateAfter {
		class = watch.ClassDegraded
		detail = fmt.Sprintf("%s (repeated %d times)", detail, repeats)
	}
	// The limiter key follows the effective class, so an escalation is
	// not swallowed by the throttle that held back its repeats.
	allowed := class == watch.ClassFatal || n.limiterLocked(sourceID+"/"+string(class)).Allow()
	n.mu.Unlock()

	n.log(sourceID, class, detail, repeats)
	if !allowed || n.ops == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.SendTimeout)
	defer cancel()
	event := watch.ContentEvent{
		SourceID:     sourceID,
		Identity:     string(class),
		Excerpt:      classEmoji(class) + " " + detail,
		DiscoveredAt: n.clock.Now(),
	}
	if err := n.ops.Send(ctx, event); err != nil {
		n.logger.Error("ops alert delivery failed",
			zap.String("source", sourceID),
			zap.String("class", string(class)),
			zap.Error(err),
		)
	}
}

// Recovered clears the repeat counters for a source after a clean cycle,
// so the next failure starts a fresh escalation ladder.
func (n *Notifier) Recovered(sourceID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, class := range []watch.ErrorClass{watch.ClassTransient, watch.ClassDegraded, watch.ClassFatal} {
		delete(n.repeats, sourceID+"/"+string(class))
	}
}

func (n *Notifier) limiterLocked(key string) *rate.Limiter {
	limiter, ok := n.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(n.cfg.Interval), 1)
		n.limiters[key] = limiter
	}
	return limiter
}

func (n *Notifier) log(sourceID string, class watch.ErrorClass, detail string, repeats int) {
	fields := []zap.Field{
		zap.String("source", sourceID),
		zap.String("class", string(class)),
		zap.Int("repeats", repeats),
	}
	switch class {
	case watch.ClassTransient:
		n.logger.Warn(detail, fields...)
	default:
		n.logger.Error(detail, fields...)
	}
}

func classEmoji(class watch.ErrorClass) string {
	switch class {
	case watch.ClassTransient:
		return "⚠️"
	case watch.ClassDegraded:
		return "\U0001F7E0"
	case watch.ClassFatal:
		return "\U0001F534"
	default:
		return "❓"
	}
}
