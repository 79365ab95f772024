// Package recorder persists streamed market data to TimescaleDB.
//
// The recorder subscribes to the client's trade, quote, and bar events,
// accumulates rows in memory, and flushes them in batches — on size or on a
// ticker — using pgx batch inserts with ON CONFLICT DO NOTHING, so replayed
// records after a reconnect never produce duplicate rows.
package recorder
