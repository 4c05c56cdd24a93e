package errnotify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/notify"
	"github.com/feedsentry/feedsentry/internal/watch"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newNotifier(ops watch.Channel) *Notifier {
	return New(Config{
		Interval:      time.Hour,
		EscalateAfter: 3,
	}, ops, &fakeClock{now: time.Unix(1000, 0)}, zap.NewNop())
}

func TestNotifier_RepeatsAreThrottled(t *testing.T) {
	t.Parallel()

	ops := notify.NewMemory("ops", nil)
	n := newNotifier(ops)

	n.Report("alpha", watch.ClassDegraded, "credential c1 refresh failed")
	n.Report("alpha", watch.ClassDegraded, "credential c1 refresh failed")
	n.Report("alpha", watch.ClassDegraded, "credential c1 refresh failed")

	require.Len(t, ops.Events(), 1)
}

func TestNotifier_DistinctKeysAlertIndependently(t *testing.T) {
	t.Parallel()

	ops := notify.NewMemory("ops", nil)
	n := newNotifier(ops)

	n.Report("alpha", watch.ClassDegraded, "refresh failed")
	n.Report("beta", watch.ClassDegraded, "refresh failed")
	n.Report("alpha", watch.ClassTransient, "upstream 502")

	require.Len(t, ops.Events(), 3)
}

func TestNotifier_FatalBypassesThrottle(t *testing.T) {
	t.Parallel()

	ops := notify.NewMemory("ops", nil)
	n := newNotifier(ops)

	n.Report("alpha", watch.ClassFatal, "state store unreachable")
	n.Report("alpha", watch.ClassFatal, "state store unreachable")

	require.Len(t, ops.Events(), 2)
}

func TestNotifier_TransientEscalatesAfterRepeats(t *testing.T) {
	t.Parallel()

	ops := notify.NewMemory("ops", nil)
	n := newNotifier(ops)

	n.Report("alpha", watch.ClassTransient, "upstream 502")
	n.Report("alpha", watch.ClassTransient, "upstream 502")
	n.Report("alpha", watch.ClassTransient, "upstream 502")

	events := ops.Events()
	// First report passes the transient limiter; the third passes the
	// degraded limiter because escalation changed its key.
	require.Len(t, events, 2)
	require.Equal(t, string(watch.ClassTransient), events[0].Identity)
	require.Equal(t, string(watch.ClassDegraded), events[1].Identity)
	require.Contains(t, events[1].Excerpt, "repeated 3 times")
}

func TestNotifier_RecoveredResetsEscalation(t *testing.T) {
	t.Parallel()

	ops := notify.NewMemory("ops", nil)
	n := newNotifier(ops)

	n.Report("alpha", watch.ClassTransient, "upstream 502")
	n.Report("alpha", watch.ClassTransient, "upstream 502")
	n.Recovered("alpha")
	n.Report("alpha", watch.ClassTransient, "upstream 502")

	for _, event := range ops.Events() {
		require.Equal(t, string(watch.ClassTransient), event.Identity)
	}
}

func TestNotifier_NilOpsChannelOnlyLogs(t *testing.T) {
	t.Parallel()

	n := newNotifier(nil)
	require.NotPanics(t, func() {
		n.Report("alpha", watch.ClassFatal, "boom")
	})
}
