// Package storage is the SQLite persistence layer.
//
// It holds:
//   - inbound chat messages and the per-chat processing cursor
//   - registered chats
//   - scheduled tasks and their run log
//
// The group queue itself keeps no persistent state; after a crash the
// orchestrator rebuilds pending work from cursors stored here.
package storage
