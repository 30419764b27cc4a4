package history

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultActivityWindow = 60 * time.Second
	DefaultHighActivity   = 30
	DefaultFlushSize      = 50
	DefaultIdleFlush      = 30 * time.Second
)

type BufferOptions struct {
	Window       time.Duration
	HighActivity int
	FlushSize    int
	IdleFlush    time.Duration
	Now          func() time.Time
}

// ActivityStats counts arrivals inside one fixed window.
type ActivityStats struct {
	WindowStart time.Time
	Count       int
}

type pendingBatch struct {
	messages      []StoredMessage
	lastMessageAt time.Time
}

// PersistBuffer writes live messages one by one under light traffic and in
// batches once a scope crosses the high-activity threshold.
type PersistBuffer struct {
	w    Writer
	opts BufferOptions

	mu      sync.Mutex
	stats   map[string]*ActivityStats
	pending map[string]*pendingBatch
}

func NewPersistBuffer(w Writer, opts BufferOptions) *PersistBuffer {
	if opts.Window <= 0 {
		opts.Window = DefaultActivityWindow
	}
	if opts.HighActivity <= 0 {
		opts.HighActivity = DefaultHighActivity
	}
	if opts.FlushSize <= 0 {
		opts.FlushSize = DefaultFlushSize
	}
	if opts.IdleFlush <= 0 {
		opts.IdleFlush = DefaultIdleFlush
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &PersistBuffer{
		w:       w,
		opts:    opts,
		stats:   make(map[string]*ActivityStats),
		pending: make(map[string]*pendingBatch),
	}
}

// Add admits one live message.
func (b *PersistBuffer) Add(ctx context.Context, msg StoredMessage) {
	key := BufferKey(msg)
	now := b.opts.Now()

	b.mu.Lock()
	st, ok := b.stats[key]
	if !ok || now.Sub(st.WindowStart) > b.opts.Window {
		st = &ActivityStats{WindowStart: now}
		b.stats[key] = st
	}
	st.Count++

	if st.Count < b.opts.HighActivity {
		backlog := b.takeLocked(key)
		b.mu.Unlock()

		if len(backlog) > 0 {
			b.writeBatch(ctx, key, backlog)
		}
		if err := b.w.Upsert(ctx, []StoredMessage{msg}); err != nil {
			log.Warn().Str("component", "buffer").Str("scope", key).Err(err).Msg("persist message failed")
		}
		return
	}

	batch, ok := b.pending[key]
	if !ok {
		batch = &pendingBatch{}
		b.pending[key] = batch
	}
	batch.messages = append(batch.messages, msg)
	batch.lastMessageAt = now
	var full []StoredMessage
	if len(batch.messages) >= b.opts.FlushSize {
		full = b.takeLocked(key)
	}
	b.mu.Unlock()

	if len(full) > 0 {
		b.writeBatch(ctx, key, full)
	}
}

// FlushIdle writes every buffer whose last message is older than the idle
// threshold, and forgets activity windows that have expired.
func (b *PersistBuffer) FlushIdle(ctx context.Context) int {
	now := b.opts.Now()
	batches := make(map[string][]StoredMessage)

	b.mu.Lock()
	for key, batch := range b.pending {
		if now.Sub(batch.lastMessageAt) > b.opts.IdleFlush {
			batches[key] = b.takeLocked(key)
		}
	}
	for key, st := range b.stats {
		if _, busy := b.pending[key]; !busy && now.Sub(st.WindowStart) > b.opts.Window {
			delete(b.stats, key)
		}
	}
	b.mu.Unlock()

	return b.writeAll(ctx, batches)
}

// FlushAll writes every buffer unconditionally; used on shutdown.
func (b *PersistBuffer) FlushAll(ctx context.Context) int {
	batches := make(map[string][]StoredMessage)

	b.mu.Lock()
	for key := range b.pending {
		batches[key] = b.takeLocked(key)
	}
	b.mu.Unlock()

	return b.writeAll(ctx, batches)
}

// Pending reports how many messages are buffered for key.
func (b *PersistBuffer) Pending(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if batch, ok := b.pending[key]; ok {
		return len(batch.messages)
	}
	return 0
}

func (b *PersistBuffer) takeLocked(key string) []StoredMessage {
	batch, ok := b.pending[key]
	if !ok {
		return nil
	}
	delete(b.pending, key)
	return batch.messages
}

func (b *PersistBuffer) writeAll(ctx context.Context, batches map[string][]StoredMessage) int {
	written := 0
	for key, msgs := range batches {
		if len(msgs) == 0 {
			continue
		}
		if b.writeBatch(ctx, key, msgs) {
			written += len(msgs)
		}
	}
	return written
}

// writeBatch drops a failed batch without retrying.
func (b *PersistBuffer) writeBatch(ctx context.Context, key string, msgs []StoredMessage) bool {
	if err := b.w.Upsert(ctx, msgs); err != nil {
		log.Warn().Str("component", "buffer").Str("scope", key).Int("dropped", len(msgs)).Err(err).Msg("batched persist failed")
		return false
	}
	log.Debug().Str("component", "buffer").Str("scope", key).Int("count", len(msgs)).Msg("flushed batch")
	return true
}
