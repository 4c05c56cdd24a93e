// Package poller runs the per-source watch loops. Each source gets one
// goroutine; cycles on a source are strictly sequential, so a slow fetch
// delays the next cycle instead of overlapping it.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/metrics"
	"github.com/feedsentry/feedsentry/internal/watch"
)

// SourceFetcher retrieves content for a source using its strategy.
type SourceFetcher interface {
	FetchSource(ctx context.Context, source watch.Source) (watch.FetchResponse, error)
}

// Detector diffs fetched items against persisted state and advances it.
type Detector interface {
	Detect(ctx context.Context, source watch.Source, items []watch.FetchedItem) ([]watch.ContentEvent, error)
	Commit(ctx context.Context, source watch.Source, events []watch.ContentEvent) error
}

// Deliverer fans one event out to the named channels.
type Deliverer interface {
	Deliver(ctx context.Context, channelNames []string, event watch.ContentEvent) []watch.ChannelResult
}

// Recoverer is implemented by reporters that track escalation state.
type Recoverer interface {
	Recovered(sourceID string)
}

// Config controls the poller.
type Config struct {
	// DefaultCadence applies to sources without an explicit cadence.
	DefaultCadence time.Duration
}

// Poller owns the watch loops.
type Poller struct {
	cfg        Config
	sources    []watch.Source
	fetcher    SourceFetcher
	extractors map[string]watch.Extractor
	detector   Detector
	fanout     Deliverer
	archive    watch.BlobStore
	reporter   watch.Reporter
	clock      watch.Clock
	logger     *zap.Logger
}

// New builds a Poller. extractors maps source id to its adapter; archive
// and reporter may be nil.
func New(
	cfg Config,
	sources []watch.Source,
	fetcher SourceFetcher,
	extractors map[string]watch.Extractor,
	detector Detector,
	fanout Deliverer,
	archive watch.BlobStore,
	reporter watch.Reporter,
	clock watch.Clock,
	logger *zap.Logger,
) *Poller {
	if cfg.DefaultCadence <= 0 {
		cfg.DefaultCadence = time.Minute
	}
	return &Poller{
		cfg:        cfg,
		sources:    sources,
		fetcher:    fetcher,
		extractors: extractors,
		detector:   detector,
		fanout:     fanout,
		archive:    archive,
		reporter:   reporter,
		clock:      clock,
		logger:     logger,
	}
}

// Run starts one loop per source and blocks until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, source := range p.sources {
		schedule, err := parseCadence(source.Cadence, p.cfg.DefaultCadence)
		if err != nil {
			return fmt.Errorf("source %s: %w", source.ID, err)
		}
		wg.Add(1)
		go func(source watch.Source, schedule cadence) {
			defer wg.Done()
			p.loop(ctx, source, schedule)
		}(source, schedule)
	}
	wg.Wait()
	return nil
}

func (p *Poller) loop(ctx context.Context, source watch.Source, schedule cadence) {
	metrics.IncActiveSources()
	defer metrics.DecActiveSources()
	p.logger.Info("watch loop started",
		zap.String("source", source.ID),
		zap.String("cadence", schedule.String()),
	)

	for {
		p.RunOnce(ctx, source)
		wait := schedule.next(p.clock.Now())
		select {
		case <-ctx.Done():
			p.logger.Info("watch loop stopped", zap.String("source", source.ID))
			return
		case <-time.After(wait):
		}
	}
}

// RunOnce executes a single poll cycle: fetch, extract, detect, deliver,
// commit. Failures are reported and the cycle abandoned; the loop lives on.
func (p *Poller) RunOnce(ctx context.Context, source watch.Source) {
	outcome := p.cycle(ctx, source)
	metrics.ObservePollCycle(source.ID, outcome)
	if outcome == "ok" {
		if recoverer, ok := p.reporter.(Recoverer); ok {
			recoverer.Recovered(source.ID)
		}
	}
}

func (p *Poller) cycle(ctx context.Context, source watch.Source) string {
	resp, err := p.fetcher.FetchSource(ctx, source)
	metrics.ObserveFetch(source.ID, resp.StatusCode, err, resp.Duration)
	if err != nil {
		return p.reportFetchFailure(source, err)
	}

	p.archiveBody(ctx, source, resp)

	extractor, ok := p.extractors[source.ID]
	if !ok {
		p.report(source.ID, watch.ClassFatal, "no extractor configured")
		return "misconfigured"
	}
	items, err := extractor.Extract(resp)
	if err != nil {
		// Markup drift: the page changed shape under the adapter.
		p.report(source.ID, watch.ClassDegraded, fmt.Sprintf("extract failed: %v", err))
		return "extract-failed"
	}

	events, err := p.detector.Detect(ctx, source, items)
	if err != nil {
		p.report(source.ID, watch.ClassTransient, fmt.Sprintf("detect failed: %v", err))
		return "detect-failed"
	}
	metrics.ObserveEvents(source.ID, len(events))

	for _, event := range events {
		p.logger.Info("new content detected",
			zap.String("source", source.ID),
			zap.String("identity", event.Identity),
			zap.String("dedup_key", event.DedupKey),
		)
		for _, result := range p.fanout.Deliver(ctx, source.Channels, event) {
			metrics.ObserveDelivery(result.Channel, result.Err)
		}
	}

	// Commit after delivery: a crash in between re-emits the events next
	// cycle rather than losing them. Channel failures do not hold the
	// watermark back.
	if err := p.detector.Commit(ctx, source, events); err != nil {
		p.report(source.ID, watch.ClassTransient, fmt.Sprintf("commit failed: %v", err))
		return "commit-failed"
	}
	return "ok"
}

func (p *Poller) reportFetchFailure(source watch.Source, err error) string {
	switch {
	case watch.IsCredentialExpired(err):
		// The credential manager already raised the degraded report.
		p.logger.Warn("cycle skipped, credential unusable",
			zap.String("source", source.ID), zap.Error(err))
		return "credential-expired"
	case watch.FetchKind(err) == watch.FetchNotFound:
		p.report(source.ID, watch.ClassDegraded, fmt.Sprintf("content gone: %v", err))
		return "not-found"
	case watch.RelayReasonOf(err) != "":
		metrics.ObserveRelayRequest(source.ID, err)
		// Timeouts and lost sessions clear on their own; a standing
		// challenge means the site is actively blocking the relay.
		class := watch.ClassTransient
		if watch.RelayReasonOf(err) == watch.RelayChallengeUnresolved {
			class = watch.ClassDegraded
		}
		p.report(source.ID, class, fmt.Sprintf("relay fetch failed: %v", err))
		return "relay-failed"
	default:
		p.report(source.ID, watch.ClassTransient, fmt.Sprintf("fetch failed: %v", err))
		return "fetch-failed"
	}
}

// archiveBody stores the raw response for later inspection. Best effort;
// an archive failure never blocks detection.
func (p *Poller) archiveBody(ctx context.Context, source watch.Source, resp watch.FetchResponse) {
	if p.archive == nil || len(resp.Body) == 0 {
		return
	}
	path := fmt.Sprintf("%s/%s.html", source.ID, p.clock.Now().Format("2006-01-02T15-04-05.000"))
	contentType := resp.Headers.Get("Content-Type")
	if uri, err := p.archive.PutObject(ctx, path, contentType, resp.Body); err != nil {
		p.logger.Warn("archive write failed", zap.String("source", source.ID), zap.Error(err))
	} else {
		p.logger.Debug("archived fetch body", zap.String("source", source.ID), zap.String("uri", uri))
	}
}

func (p *Poller) report(sourceID string, class watch.ErrorClass, detail string) {
	if p.reporter != nil {
		p.reporter.Report(sourceID, class, detail)
		return
	}
	p.logger.Warn(detail, zap.String("source", sourceID), zap.String("class", string(class)))
}

// cadence is either a fixed interval or a cron schedule.
type cadence struct {
	interval time.Duration
	schedule cron.Schedule
	raw      string
}

func parseCadence(raw string, fallback time.Duration) (cadence, error) {
	if raw == "" {
		return cadence{interval: fallback, raw: fallback.String()}, nil
	}
	if interval, err := time.ParseDuration(raw); err == nil {
		if interval <= 0 {
			return cadence{}, fmt.Errorf("cadence %q must be positive", raw)
		}
		return cadence{interval: interval, raw: raw}, nil
	}
	schedule, err := cron.ParseStandard(raw)
	if err != nil {
		return cadence{}, fmt.Errorf("cadence %q is neither a duration nor a cron expression: %w", raw, err)
	}
	return cadence{schedule: schedule, raw: raw}, nil
}

func (c cadence) next(now time.Time) time.Duration {
	if c.schedule != nil {
		return c.schedule.Next(now).Sub(now)
	}
	return c.interval
}

func (c cadence) String() string { return c.raw }
