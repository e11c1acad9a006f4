// Package sqlite is the durable lyric store: tracks and their lines, per-source
// checkpoints and the source ledger, all in one SQLite file.
//
// The store holds a single connection, so SQLite transactions are the only write
// arbiter. Track writes are batched: each batch is one transaction that replaces
// whole tracks, so readers never observe a half-written track.
package sqlite
