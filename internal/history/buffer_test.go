package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu      sync.Mutex
	batches [][]StoredMessage
	fail    bool
}

func (w *recordingWriter) Upsert(_ context.Context, msgs []StoredMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("disk full")
	}
	cp := make([]StoredMessage, len(msgs))
	copy(cp, msgs)
	w.batches = append(w.batches, cp)
	return nil
}

func (w *recordingWriter) sizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, len(w.batches))
	for i, b := range w.batches {
		out[i] = len(b)
	}
	return out
}

func (w *recordingWriter) total() int {
	n := 0
	for _, s := range w.sizes() {
		n += s
	}
	return n
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func liveMessage(i int) StoredMessage {
	return StoredMessage{
		Platform:  "onebot",
		SelfID:    "10001",
		GuildID:   "g1",
		ChannelID: "g1",
		UserID:    "u1",
		MessageID: fmt.Sprint(i),
	}
}

func TestPersistBuffer_BurstSplitsIntoDirectThenBatched(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	w := &recordingWriter{}
	b := NewPersistBuffer(w, BufferOptions{HighActivity: 30, FlushSize: 50, Now: clock.Now})
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		b.Add(ctx, liveMessage(i))
		clock.Advance(250 * time.Millisecond)
	}

	sizes := w.sizes()
	require.Len(t, sizes, 29)
	for _, s := range sizes {
		assert.Equal(t, 1, s)
	}
	assert.Equal(t, 11, b.Pending("onebot_10001_g1"))

	clock.Advance(31 * time.Second)
	assert.Equal(t, 11, b.FlushIdle(ctx))

	sizes = w.sizes()
	require.Len(t, sizes, 30)
	assert.Equal(t, 11, sizes[29])
	assert.Equal(t, 40, w.total())

	seen := map[string]int{}
	for _, batch := range w.batches {
		for _, m := range batch {
			seen[m.MessageID]++
		}
	}
	for id, n := range seen {
		assert.Equalf(t, 1, n, "message %s written %d times", id, n)
	}
}

func TestPersistBuffer_FlushesAtFlushSize(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	w := &recordingWriter{}
	b := NewPersistBuffer(w, BufferOptions{HighActivity: 2, FlushSize: 3, Now: clock.Now})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.Add(ctx, liveMessage(i))
	}
	assert.Equal(t, []int{1, 3}, w.sizes())
	assert.Equal(t, 0, b.Pending("onebot_10001_g1"))
}

func TestPersistBuffer_QuietWindowFlushesBacklogFirst(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	w := &recordingWriter{}
	b := NewPersistBuffer(w, BufferOptions{Window: time.Minute, HighActivity: 2, FlushSize: 10, Now: clock.Now})
	ctx := context.Background()

	b.Add(ctx, liveMessage(1))
	b.Add(ctx, liveMessage(2))
	b.Add(ctx, liveMessage(3))
	assert.Equal(t, []int{1}, w.sizes())

	clock.Advance(2 * time.Minute)
	b.Add(ctx, liveMessage(4))
	assert.Equal(t, []int{1, 2, 1}, w.sizes())
}

func TestPersistBuffer_IdleFlushWaitsForIdleThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	w := &recordingWriter{}
	b := NewPersistBuffer(w, BufferOptions{HighActivity: 1, FlushSize: 100, IdleFlush: 30 * time.Second, Now: clock.Now})
	ctx := context.Background()

	b.Add(ctx, liveMessage(1))
	clock.Advance(10 * time.Second)
	assert.Zero(t, b.FlushIdle(ctx))
	clock.Advance(25 * time.Second)
	assert.Equal(t, 1, b.FlushIdle(ctx))
}

func TestPersistBuffer_FlushAllWritesEverything(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	w := &recordingWriter{}
	b := NewPersistBuffer(w, BufferOptions{HighActivity: 1, FlushSize: 1000, Now: clock.Now})
	ctx := context.Background()

	pushed := 0
	for i := 0; i < 137; i++ {
		m := liveMessage(i)
		if i%2 == 0 {
			m.GuildID, m.ChannelID = "g2", "g2"
		}
		b.Add(ctx, m)
		pushed++
	}
	assert.Zero(t, w.total())

	assert.Equal(t, pushed, b.FlushAll(ctx))
	assert.Equal(t, pushed, w.total())
	assert.Zero(t, b.FlushAll(ctx))
}

func TestPersistBuffer_FailedBatchIsDropped(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	w := &recordingWriter{fail: true}
	b := NewPersistBuffer(w, BufferOptions{HighActivity: 1, FlushSize: 2, Now: clock.Now})
	ctx := context.Background()

	b.Add(ctx, liveMessage(1))
	b.Add(ctx, liveMessage(2))
	assert.Zero(t, b.Pending("onebot_10001_g1"))

	w.mu.Lock()
	w.fail = false
	w.mu.Unlock()
	assert.Zero(t, b.FlushAll(ctx))
	assert.Zero(t, w.total())
}
