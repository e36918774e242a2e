package buffer

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/replaykit/internal/domain"
)

func ev(typ domain.EventType, ts int64) domain.RecordingEvent {
	return domain.RecordingEvent{Type: typ, Timestamp: ts, Data: json.RawMessage(`{"source":1}`)}
}

func decode(t *testing.T, p domain.Payload) []domain.RecordingEvent {
	t.Helper()
	body := p.Body
	if p.Compressed {
		r, err := zlib.NewReader(bytes.NewReader(p.Body))
		require.NoError(t, err)
		body, err = io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
	}
	var out []domain.RecordingEvent
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

// variants runs fn against both buffer implementations
func variants(t *testing.T, fn func(t *testing.T, b EventBuffer)) {
	t.Run("array", func(t *testing.T) {
		b := NewArray()
		defer b.Destroy()
		fn(t, b)
	})
	t.Run("compressed", func(t *testing.T) {
		b, err := NewCompressed(zlib.DefaultCompression, nil)
		require.NoError(t, err)
		defer b.Destroy()
		fn(t, b)
	})
}

func TestLenCountsAdds(t *testing.T) {
	variants(t, func(t *testing.T, b EventBuffer) {
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			require.NoError(t, b.AddEvent(ctx, ev(domain.EventTypeIncrementalSnapshot, int64(i)), false))
		}
		assert.Equal(t, 4, b.Len())

		p, err := b.Finish(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, b.Len())
		assert.Equal(t, 4, p.Events)
		assert.Len(t, decode(t, p), 4)
	})
}

func TestCheckoutLeavesOneEvent(t *testing.T) {
	variants(t, func(t *testing.T, b EventBuffer) {
		ctx := context.Background()
		require.NoError(t, b.AddEvent(ctx, ev(domain.EventTypeIncrementalSnapshot, 1), false))
		require.NoError(t, b.AddEvent(ctx, ev(domain.EventTypeIncrementalSnapshot, 2), false))
		require.NoError(t, b.AddEvent(ctx, ev(domain.EventTypeFullSnapshot, 3), true))
		assert.Equal(t, 1, b.Len())

		p, err := b.Finish(ctx)
		require.NoError(t, err)
		events := decode(t, p)
		require.Len(t, events, 1)
		assert.Equal(t, domain.EventTypeFullSnapshot, events[0].Type)
		assert.Equal(t, int64(3), events[0].Timestamp)
	})
}

func TestFinishEmpty(t *testing.T) {
	variants(t, func(t *testing.T, b EventBuffer) {
		p, err := b.Finish(context.Background())
		require.NoError(t, err)
		assert.Empty(t, decode(t, p))
		assert.Equal(t, 0, p.Events)
	})
}

func TestEventsAfterFinishGoToNextSegment(t *testing.T) {
	variants(t, func(t *testing.T, b EventBuffer) {
		ctx := context.Background()
		require.NoError(t, b.AddEvent(ctx, ev(domain.EventTypeIncrementalSnapshot, 1), false))

		first, err := b.Finish(ctx)
		require.NoError(t, err)

		require.NoError(t, b.AddEvent(ctx, ev(domain.EventTypeIncrementalSnapshot, 2), false))
		second, err := b.Finish(ctx)
		require.NoError(t, err)

		a := decode(t, first)
		c := decode(t, second)
		require.Len(t, a, 1)
		require.Len(t, c, 1)
		assert.Equal(t, int64(1), a[0].Timestamp)
		assert.Equal(t, int64(2), c[0].Timestamp)
	})
}

func TestArrayPayloadIsPlainJSON(t *testing.T) {
	b := NewArray()
	require.NoError(t, b.AddEvent(context.Background(), ev(domain.EventTypeMeta, 5), false))
	p, err := b.Finish(context.Background())
	require.NoError(t, err)
	assert.False(t, p.Compressed)
	assert.JSONEq(t, `[{"type":4,"timestamp":5,"data":{"source":1}}]`, string(p.Body))
}

func TestCompressedAfterDestroy(t *testing.T) {
	b, err := NewCompressed(zlib.BestSpeed, nil)
	require.NoError(t, err)
	b.Destroy()

	<-b.client.Done()
	assert.Error(t, b.AddEvent(context.Background(), ev(domain.EventTypeLoad, 1), false))
	_, err = b.Finish(context.Background())
	assert.Error(t, err)
}

func TestCompressedRejectedEventFailsFinish(t *testing.T) {
	b, err := NewCompressed(zlib.BestSpeed, nil)
	require.NoError(t, err)
	defer b.Destroy()
	ctx := context.Background()

	require.NoError(t, b.AddEvent(ctx, ev(domain.EventTypeFullSnapshot, 1), true))
	// The worker only sees raw JSON; a corrupt item is rejected there
	require.NoError(t, b.add(json.RawMessage(`{"type":`), false))

	_, err = b.Finish(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "addEvent")

	// The failure belongs to that segment only
	require.NoError(t, b.AddEvent(ctx, ev(domain.EventTypeIncrementalSnapshot, 2), false))
	p, err := b.Finish(ctx)
	require.NoError(t, err)
	require.Len(t, decode(t, p), 1)
}

func TestCompressedCheckoutForgetsEarlierFailure(t *testing.T) {
	b, err := NewCompressed(zlib.BestSpeed, nil)
	require.NoError(t, err)
	defer b.Destroy()
	ctx := context.Background()

	require.NoError(t, b.add(json.RawMessage(`not json`), false))
	require.NoError(t, b.AddEvent(ctx, ev(domain.EventTypeFullSnapshot, 1), true))

	p, err := b.Finish(ctx)
	require.NoError(t, err)
	require.Len(t, decode(t, p), 1)
}

func TestNewSelectsVariant(t *testing.T) {
	b := New(Options{})
	defer b.Destroy()
	assert.IsType(t, &Array{}, b)

	c := New(Options{Compression: true})
	defer c.Destroy()
	assert.IsType(t, &Compressed{}, c)
}

func TestNewFallsBackWhenWorkerFails(t *testing.T) {
	// An out-of-range level makes the compressor fail to start
	b := New(Options{Compression: true, Level: 99})
	defer b.Destroy()
	assert.IsType(t, &Array{}, b)

	require.NoError(t, b.AddEvent(context.Background(), ev(domain.EventTypeLoad, 1), false))
	assert.Equal(t, 1, b.Len())
}
