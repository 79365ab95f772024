// Package database provides connection pool management for TimescaleDB.
//
// The recorder stores received market data (trades, quotes, bars) as
// time-series rows; nothing else in the repo touches a database.
package database
