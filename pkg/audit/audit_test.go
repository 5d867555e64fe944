package audit

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndQuery(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	var sink bytes.Buffer
	l := New(WithClock(fc), WithSink(&sink))
	ctx := context.Background()

	_, err := l.Record(ctx, EventDanglingContract, "doc", "read", map[string]any{"contract": "gone"})
	require.NoError(t, err)
	fc.Advance(time.Minute)
	_, err = l.Record(ctx, EventDepthExceeded, "tool", "invoke", map[string]any{"depth": 11})
	require.NoError(t, err)
	_, err = l.Record(ctx, EventDanglingContract, "other", "write", nil)
	require.NoError(t, err)

	assert.Equal(t, 3, l.Len())
	assert.Len(t, l.Query(Filter{Type: EventDanglingContract}), 2)
	assert.Len(t, l.Query(Filter{Subject: "tool"}), 1)
	assert.Len(t, l.Query(Filter{Since: fc.Now()}), 2)
	assert.Len(t, l.Query(Filter{Limit: 1}), 1)

	after := l.Query(Filter{AfterSeq: 2})
	require.Len(t, after, 1)
	assert.Equal(t, "other", after[0].Subject)

	assert.Equal(t, 3, strings.Count(sink.String(), "AUDIT: "))
	require.NoError(t, l.Verify())
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := New()
	for i := 0; i < 3; i++ {
		_, err := l.Record(context.Background(), EventContractError, "c", "read", map[string]any{"i": i})
		require.NoError(t, err)
	}
	events := l.Query(Filter{})
	require.NoError(t, Verify(events))

	events[1].Subject = "someone-else"
	assert.ErrorIs(t, Verify(events), ErrChainBroken)
}

func TestNilLogDiscards(t *testing.T) {
	var l *Log
	e, err := l.Record(context.Background(), EventBootstrap, "@genesis", "bootstrap", nil)
	assert.NoError(t, err)
	assert.Nil(t, e)
	assert.Empty(t, l.Query(Filter{}))
	assert.Zero(t, l.Len())
	assert.NoError(t, l.Verify())
}
