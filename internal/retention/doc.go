// Package retention prunes sensor readings, relay transitions and system
// logs older than the configured window.
//
// A Sweeper runs once at startup and then daily. When an Archiver is
// configured, expired rows are first uploaded as JSON lines to
// {prefix}/{table}/{YYYY-MM-DD}.jsonl, one object per day. The current
// state record of each relay is never removed.
package retention
