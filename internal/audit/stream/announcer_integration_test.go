//go:build integration

package stream_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"chronicle/internal/audit"
	"chronicle/internal/audit/stream"
	"chronicle/pkg/testutil/containers"
)

func TestAnnouncerPublishesCommittedEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rp := containers.NewRedpandaContainer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ann, err := stream.New(ctx, []string{rp.Broker}, "chronicle.test.events", logger)
	require.NoError(t, err)

	evs := []*audit.Event{
		{
			ID:        "stream-ev-000",
			Type:      audit.TypeDataAccess,
			Severity:  audit.SeverityLow,
			Action:    "document.read",
			Outcome:   audit.OutcomeSuccess,
			Timestamp: time.Now().UTC(),
			Actor:     audit.Actor{ID: "alice", Type: "user"},
		},
		{
			ID:        "stream-ev-001",
			Type:      audit.TypeSecurityViolation,
			Severity:  audit.SeverityHigh,
			Action:    "alert_triggered",
			Outcome:   audit.OutcomeWarning,
			Timestamp: time.Now().UTC(),
			Actor:     audit.Actor{ID: "alert-evaluator", Type: "system"},
		},
	}

	ann.Announce(ctx, evs)
	require.NoError(t, ann.Close(ctx))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(rp.Broker),
		kgo.ConsumeTopics("chronicle.test.events"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	got := map[string]audit.Event{}
	deadline := time.Now().Add(30 * time.Second)
	for len(got) < len(evs) && time.Now().Before(deadline) {
		fetchCtx, fetchCancel := context.WithTimeout(ctx, 5*time.Second)
		fetches := consumer.PollFetches(fetchCtx)
		fetchCancel()
		fetches.EachRecord(func(r *kgo.Record) {
			var ev audit.Event
			require.NoError(t, json.Unmarshal(r.Value, &ev))
			require.Equal(t, ev.ID, string(r.Key))
			got[ev.ID] = ev
		})
	}

	require.Len(t, got, len(evs))
	require.Equal(t, "document.read", got["stream-ev-000"].Action)
	require.Equal(t, audit.SeverityHigh, got["stream-ev-001"].Severity)
}
