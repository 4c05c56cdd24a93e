// Package notify delivers content events to the configured alert
// channels. Channels are independent: a failure on one never blocks or
// aborts the others, and failures are reported, not retried across
// cycles (the dedup key lets operators trace what was lost).
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// Registration binds a channel to its own delivery retry pacing. A slow
// chat API and a local socket should not share backoff settings.
type Registration struct {
	Channel watch.Channel
	Policy  watch.RetryPolicy
}

// Fanout pushes one event to every channel a source subscribes to.
type Fanout struct {
	channels map[string]Registration
	reporter watch.Reporter
	logger   *zap.Logger
}

// New builds a Fanout over a fixed channel registry. Registrations
// without a policy get default pacing; reporter may be nil.
func New(registrations []Registration, reporter watch.Reporter, logger *zap.Logger) *Fanout {
	index := make(map[string]Registration, len(registrations))
	for _, reg := range registrations {
		if reg.Policy == nil {
			reg.Policy = watch.NewExponentialRetryPolicy()
		}
		index[reg.Channel.Name()] = reg
	}
	return &Fanout{channels: index, reporter: reporter, logger: logger}
}

// Deliver sends the event to each named channel concurrently and waits
// for all of them. Results come back sorted by channel name so callers
// and logs are deterministic.
func (f *Fanout) Deliver(ctx context.Context, channelNames []string, event watch.ContentEvent) []watch.ChannelResult {
	results := make([]watch.ChannelResult, len(channelNames))
	var wg sync.WaitGroup
	for i, name := range channelNames {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = f.deliverOne(ctx, name, event)
		}(i, name)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Channel < results[j].Channel })
	for _, result := range results {
		if result.Err == nil {
			continue
		}
		f.logger.Warn("channel delivery failed",
			zap.String("channel", result.Channel),
			zap.String("source", event.SourceID),
			zap.String("dedup_key", event.DedupKey),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Err),
		)
		if f.reporter != nil {
			f.reporter.Report(event.SourceID, watch.ClassTransient,
				fmt.Sprintf("delivery to %s failed for %s: %v", result.Channel, event.DedupKey, result.Err))
		}
	}
	return results
}

func (f *Fanout) deliverOne(ctx context.Context, name string, event watch.ContentEvent) watch.ChannelResult {
	reg, ok := f.channels[name]
	if !ok {
		return watch.ChannelResult{
			Channel: name,
			Err:     watch.NewDeliveryError(name, watch.DeliveryMalformed, fmt.Errorf("channel not configured")),
		}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := reg.Channel.Send(ctx, event)
		if err == nil {
			return watch.ChannelResult{Channel: name, Attempts: attempt}
		}
		lastErr = err
		if !reg.Policy.ShouldRetry(err, attempt) {
			return watch.ChannelResult{Channel: name, Attempts: attempt, Err: lastErr}
		}
		select {
		case <-ctx.Done():
			return watch.ChannelResult{Channel: name, Attempts: attempt, Err: lastErr}
		case <-time.After(reg.Policy.Backoff(attempt)):
		}
	}
}
