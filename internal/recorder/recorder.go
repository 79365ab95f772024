package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/papertrade/marketstream/internal/events"
	"github.com/papertrade/marketstream/internal/metrics"
	"github.com/papertrade/marketstream/internal/stream"
)

// Config holds batch writer settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: 1 * time.Second,
	}
}

// Stats contains recorder counters.
type Stats struct {
	TradesWritten int64
	QuotesWritten int64
	BarsWritten   int64
	Flushes       int64
	Errors        int64
}

// tradeRow is the trades table shape.
type tradeRow struct {
	Symbol     string
	TradeID    int64
	Exchange   string
	Price      float64
	Size       int64
	Tape       string
	Ts         time.Time
	ReceivedAt time.Time
}

// quoteRow is the quotes table shape.
type quoteRow struct {
	Symbol      string
	BidExchange string
	BidPrice    float64
	BidSize     int64
	AskExchange string
	AskPrice    float64
	AskSize     int64
	Ts          time.Time
	ReceivedAt  time.Time
}

// barRow is the bars table shape.
type barRow struct {
	Symbol string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
	Ts     time.Time
}

// Recorder consumes typed events from the streaming client and writes them
// to the database in batches.
type Recorder struct {
	cfg     Config
	logger  *slog.Logger
	client  stream.Client
	db      *pgxpool.Pool
	metrics *metrics.RecorderMetrics

	// Event handlers run on the client's dispatch path, so they only append
	// under the mutex; flushing happens on the recorder's own goroutine.
	batchMu sync.Mutex
	trades  []tradeRow
	quotes  []quoteRow
	bars    []barRow
	stats   Stats

	handles []events.Handle
	flushCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Recorder.
func New(cfg Config, client stream.Client, db *pgxpool.Pool, logger *slog.Logger, m *metrics.RecorderMetrics) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		db:      db,
		metrics: m,
		trades:  make([]tradeRow, 0, cfg.BatchSize),
		quotes:  make([]quoteRow, 0, cfg.BatchSize),
		bars:    make([]barRow, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
	}
}

// Start registers event handlers and begins the flush loop.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.handles = append(r.handles,
		r.client.On(stream.EventTrade, r.onTrade),
		r.client.On(stream.EventQuote, r.onQuote),
		r.client.On(stream.EventBar, r.onBar),
	)

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop unsubscribes from the client, drains pending rows, and shuts down.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	for _, h := range r.handles {
		r.client.Off(h)
	}
	r.handles = nil

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
	}

	// Final flush
	r.flush(context.Background())

	r.logger.Info("recorder stopped")
	return nil
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.stats
}

func (r *Recorder) onTrade(payload any) {
	tr, ok := payload.(stream.Trade)
	if !ok {
		return
	}
	row := tradeRow{
		Symbol:     tr.Symbol,
		TradeID:    tr.ID,
		Exchange:   tr.Exchange,
		Price:      tr.Price,
		Size:       int64(tr.Size),
		Tape:       tr.Tape,
		Ts:         tr.Timestamp,
		ReceivedAt: time.Now(),
	}

	r.batchMu.Lock()
	r.trades = append(r.trades, row)
	full := len(r.trades) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if full {
		r.requestFlush()
	}
}

func (r *Recorder) onQuote(payload any) {
	q, ok := payload.(stream.Quote)
	if !ok {
		return
	}
	row := quoteRow{
		Symbol:      q.Symbol,
		BidExchange: q.BidExchange,
		BidPrice:    q.BidPrice,
		BidSize:     int64(q.BidSize),
		AskExchange: q.AskExchange,
		AskPrice:    q.AskPrice,
		AskSize:     int64(q.AskSize),
		Ts:          q.Timestamp,
		ReceivedAt:  time.Now(),
	}

	r.batchMu.Lock()
	r.quotes = append(r.quotes, row)
	full := len(r.quotes) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if full {
		r.requestFlush()
	}
}

func (r *Recorder) onBar(payload any) {
	b, ok := payload.(stream.Bar)
	if !ok {
		return
	}
	row := barRow{
		Symbol: b.Symbol,
		Open:   b.Open,
		High:   b.High,
		Low:    b.Low,
		Close:  b.Close,
		Volume: int64(b.Volume),
		Ts:     b.Timestamp,
	}

	r.batchMu.Lock()
	r.bars = append(r.bars, row)
	full := len(r.bars) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if full {
		r.requestFlush()
	}
}

// requestFlush nudges the flush loop without blocking the event handler.
func (r *Recorder) requestFlush() {
	select {
	case r.flushCh <- struct{}{}:
	default:
	}
}

// flushLoop flushes on the ticker and on size-triggered requests.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.flush(r.ctx)
		case <-r.flushCh:
			r.flush(r.ctx)
		}
	}
}

// flush writes all pending rows to the database.
func (r *Recorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	trades := r.trades
	quotes := r.quotes
	bars := r.bars
	r.trades = make([]tradeRow, 0, r.cfg.BatchSize)
	r.quotes = make([]quoteRow, 0, r.cfg.BatchSize)
	r.bars = make([]barRow, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	if len(trades) == 0 && len(quotes) == 0 && len(bars) == 0 {
		return
	}

	start := time.Now()
	batch := &pgx.Batch{}

	for _, t := range trades {
		batch.Queue(`
			INSERT INTO trades (symbol, trade_id, exchange, price, size, tape, ts, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (symbol, trade_id) DO NOTHING
		`, t.Symbol, t.TradeID, t.Exchange, t.Price, t.Size, t.Tape, t.Ts, t.ReceivedAt)
	}
	for _, q := range quotes {
		batch.Queue(`
			INSERT INTO quotes (symbol, bid_exchange, bid_price, bid_size, ask_exchange, ask_price, ask_size, ts, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, q.Symbol, q.BidExchange, q.BidPrice, q.BidSize, q.AskExchange, q.AskPrice, q.AskSize, q.Ts, q.ReceivedAt)
	}
	for _, b := range bars {
		batch.Queue(`
			INSERT INTO bars (symbol, open, high, low, close, volume, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (symbol, ts) DO NOTHING
		`, b.Symbol, b.Open, b.High, b.Low, b.Close, b.Volume, b.Ts)
	}

	if err := r.sendBatch(ctx, batch); err != nil {
		r.logger.Error("batch insert failed", "error", err,
			"trades", len(trades), "quotes", len(quotes), "bars", len(bars),
		)
		r.metrics.Error()
		r.batchMu.Lock()
		r.stats.Errors++
		r.batchMu.Unlock()
		return
	}

	r.metrics.Flush()
	r.metrics.RowsInserted(len(trades) + len(quotes) + len(bars))
	r.batchMu.Lock()
	r.stats.TradesWritten += int64(len(trades))
	r.stats.QuotesWritten += int64(len(quotes))
	r.stats.BarsWritten += int64(len(bars))
	r.stats.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed rows",
		"trades", len(trades),
		"quotes", len(quotes),
		"bars", len(bars),
		"duration", time.Since(start),
	)
}

func (r *Recorder) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
