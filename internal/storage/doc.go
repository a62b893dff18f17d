// Package storage persists users, forwarding tasks and per-task settings in
// SQLite. The schema lives in migrations.sql and is applied on open; all
// writes are idempotent upserts so the best-effort callers can retry freely.
package storage
