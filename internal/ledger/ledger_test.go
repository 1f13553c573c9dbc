package ledger

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snag-tracker/internal/telemetry"
)

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test:unresolved"), mr
}

func TestRecordPeekRemove(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, l.Record(ctx, Entry{SnagID: "a", Identifier: "SNag-20240601-0001", Step: "sync_mirror", Outcome: "unresolved", At: at}))
	require.NoError(t, l.Record(ctx, Entry{SnagID: "b", Identifier: "SNag-20240601-0002", Step: "sync_mirror", Outcome: "failed", At: at}))

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	entries, err := l.Peek(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].SnagID)
	assert.Equal(t, "failed", entries[1].Outcome)
	assert.True(t, entries[0].At.Equal(at))

	require.NoError(t, l.Remove(ctx, "a"))
	entries, err = l.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].SnagID)
}

func TestRecordTwiceKeepsOneEntry(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Entry{SnagID: "a", Outcome: "unresolved"}))
	require.NoError(t, l.Record(ctx, Entry{SnagID: "a", Outcome: "failed", Detail: "403"}))

	entries, err := l.Peek(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "failed", entries[0].Outcome)
	assert.Equal(t, "403", entries[0].Detail)
}

func TestRecordRequiresSnagID(t *testing.T) {
	l, _ := newTestLedger(t)
	assert.Error(t, l.Record(context.Background(), Entry{}))
}

func TestPeekEmpty(t *testing.T) {
	l, _ := newTestLedger(t)
	entries, err := l.Peek(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisDown(t *testing.T) {
	l, mr := newTestLedger(t)
	mr.Close()
	assert.Error(t, l.Record(context.Background(), Entry{SnagID: "a"}))
}

func TestReportDepth(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Record(ctx, Entry{SnagID: "a", Step: "sync_mirror", Outcome: "unresolved"}))
	require.NoError(t, l.Record(ctx, Entry{SnagID: "b", Step: "sync_mirror", Outcome: "failed"}))

	log, hook := logtest.NewNullLogger()
	done := make(chan struct{})
	go func() {
		l.ReportDepth(ctx, time.Hour, log)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(telemetry.LedgerDepthGauge) == 2
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Empty(t, hook.AllEntries())
}
