// Package costing tracks per-request USD cost estimates and persists them in
// batches, mirroring internal/logger's non-blocking buffered-channel design.
// When no ClickHouse DSN is configured, entries are kept in an in-memory
// ring buffer so cost queries still work in tests and single-node setups.
package costing

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
)

const (
	channelBuffer = 10_000
	batchSize     = 200
	flushInterval = 2 * time.Second
	ringCapacity  = 5_000
)

// Entry is one priced request, grounded on the reference gateway's
// CostEntry (provider, model, tokens, usd, request id).
type Entry struct {
	Timestamp    time.Time
	RequestID    string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// ProviderRate holds the USD-per-1K-token price for one provider.
type ProviderRate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// DefaultRates mirrors the reference gateway's seed price table, extended
// with per-1K rates for every provider this gateway wires (§ Cost tracking).
var DefaultRates = map[string]ProviderRate{
	"openai":    {InputPer1K: 0.03, OutputPer1K: 0.06},
	"anthropic": {InputPer1K: 0.015, OutputPer1K: 0.075},
	"gemini":    {InputPer1K: 0.0035, OutputPer1K: 0.0105},
	"vertexai":  {InputPer1K: 0.0035, OutputPer1K: 0.0105},
	"mistral":   {InputPer1K: 0.002, OutputPer1K: 0.006},
	"azure":     {InputPer1K: 0.03, OutputPer1K: 0.06},
	"bedrock":   {InputPer1K: 0.008, OutputPer1K: 0.024},
	"groq":      {InputPer1K: 0.0005, OutputPer1K: 0.0008},
	"cohere":    {InputPer1K: 0.0015, OutputPer1K: 0.002},
	"openrouter": {InputPer1K: 0.002, OutputPer1K: 0.006},
	"ollama":    {InputPer1K: 0, OutputPer1K: 0},
}

// Estimate returns the USD cost of inputTokens/outputTokens at provider's
// rate. Unknown providers cost nothing rather than panicking — pricing is an
// observability feature, never a request-blocking one.
func Estimate(provider string, inputTokens, outputTokens int) float64 {
	rate, ok := DefaultRates[provider]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*rate.InputPer1K + float64(outputTokens)/1000*rate.OutputPer1K
}

// sink persists a batch of entries. memorySink and clickhouseSink both
// implement it.
type sink interface {
	write(ctx context.Context, batch []Entry) error
	close() error
}

// Tracker is the non-blocking batched cost writer.
type Tracker struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
	sink    sink

	mu   sync.RWMutex
	ring []Entry // recent entries, for TotalCost/Summary when sink is memory-only
}

// New builds a Tracker. When dsn is empty, entries are kept in-memory only.
// When dsn is non-empty, entries are additionally persisted to ClickHouse —
// see schemaDDL for the expected table shape.
func New(ctx context.Context, log *slog.Logger, dsn string) (*Tracker, error) {
	if ctx == nil {
		return nil, fmt.Errorf("costing: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	var sk sink = newMemorySink()
	if dsn != "" {
		chSink, err := newClickHouseSink(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("costing: clickhouse sink: %w", err)
		}
		sk = chSink
	}

	t := &Tracker{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     log,
		sink:    sk,
	}
	t.wg.Add(1)
	go t.run()
	return t, nil
}

// Track enqueues a priced entry. Never blocks; entries are dropped (and
// counted) if the channel is full.
func (t *Tracker) Track(e Entry) {
	if t == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case t.ch <- e:
	default:
		atomic.AddInt64(&t.dropped, 1)
	}

	t.mu.Lock()
	t.ring = append(t.ring, e)
	if len(t.ring) > ringCapacity {
		t.ring = t.ring[len(t.ring)-ringCapacity:]
	}
	t.mu.Unlock()
}

// Dropped returns the count of entries dropped due to a full channel.
func (t *Tracker) Dropped() int64 {
	return atomic.LoadInt64(&t.dropped)
}

// TotalCost sums CostUSD across buffered entries, optionally filtered by
// provider and a since cutoff. This reflects only entries still held in the
// in-memory ring (bounded at ringCapacity); use the ClickHouse sink directly
// for historical aggregation.
func (t *Tracker) TotalCost(provider string, since time.Time) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, e := range t.ring {
		if provider != "" && e.Provider != provider {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		total += e.CostUSD
	}
	return total
}

// Summary returns total cost per provider across the in-memory ring.
func (t *Tracker) Summary() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64)
	for _, e := range t.ring {
		out[e.Provider] += e.CostUSD
	}
	return out
}

// Close flushes any buffered entries and stops the background writer.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	t.wg.Wait()
	return t.sink.close()
}

func (t *Tracker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := t.sink.write(ctx, batch); err != nil {
			t.log.ErrorContext(ctx, "costing_flush_failed", slog.String("error", err.Error()))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-t.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(t.baseCtx)
			}
		case <-ticker.C:
			flush(t.baseCtx)
		case <-t.done:
			for {
				select {
				case entry := <-t.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(t.baseCtx)
					}
				default:
					flush(t.baseCtx)
					return
				}
			}
		}
	}
}

// memorySink discards writes — Tracker's own ring buffer already retains
// recent entries for TotalCost/Summary, so this sink is a no-op landing pad
// used when no ClickHouse DSN is configured.
type memorySink struct{}

func newMemorySink() *memorySink { return &memorySink{} }

func (*memorySink) write(context.Context, []Entry) error { return nil }
func (*memorySink) close() error                         { return nil }

// clickhouseSink batch-inserts entries into a `gateway_costs` table via
// clickhouse-go/v2's database/sql driver.
type clickhouseSink struct {
	db *sql.DB
}

func newClickHouseSink(ctx context.Context, dsn string) (*clickhouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db := clickhouse.OpenDB(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, err
	}
	return &clickhouseSink{db: db}, nil
}

func (s *clickhouseSink) write(ctx context.Context, batch []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO gateway_costs
		(timestamp, request_id, provider, model, input_tokens, output_tokens, cost_usd) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx, e.Timestamp, e.RequestID, e.Provider, e.Model, e.InputTokens, e.OutputTokens, e.CostUSD); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *clickhouseSink) close() error {
	return s.db.Close()
}

// schemaDDL is the table this sink expects to exist; it is not executed
// automatically — schema migration is an external-collaborator concern.
const schemaDDL = `CREATE TABLE IF NOT EXISTS gateway_costs (
	timestamp DateTime64(3),
	request_id String,
	provider LowCardinality(String),
	model String,
	input_tokens UInt32,
	output_tokens UInt32,
	cost_usd Float64
) ENGINE = MergeTree() ORDER BY (provider, timestamp)`
