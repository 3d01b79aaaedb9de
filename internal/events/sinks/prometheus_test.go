package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/mpetrov/autoapply/internal/events"
)

func event(kind events.Kind, dur time.Duration) events.Event {
	return events.Event{
		SessionID: "sess-1",
		UserID:    "user-1",
		Kind:      kind,
		TS:        time.Unix(1700000000, 0).UTC(),
		JobID:     "job-1",
		Dur:       dur,
	}
}

func TestPrometheusSinkCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []events.Event{
		event(events.KindSessionStarted, 0),
		event(events.KindSessionStarted, 0),
		event(events.KindSessionCompleted, 0),
		event(events.KindJobApplied, 2*time.Second),
		event(events.KindJobSkipped, 0),
		event(events.KindJobFailed, 0),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.sessionsTotal.WithLabelValues("SESSION_STARTED")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsTotal.WithLabelValues("SESSION_COMPLETED")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.applicationsTotal.WithLabelValues("applied")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.applicationsTotal.WithLabelValues("skipped")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.applicationsTotal.WithLabelValues("failed")))

	require.NoError(t, sink.Close(context.Background()))
}

func TestPrometheusSinkDoubleRegister(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
