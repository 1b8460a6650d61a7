// Package groupqueue decides, for every conversation, whether and when work may run.
//
// Each conversation ("group") has two independent lanes:
//   - message: coalesced "check for new messages" runs, retried with exponential backoff
//   - task: a FIFO of scheduled task units, deduplicated by task id
//
// Every running unit holds one slot from a global pool. Released slots are handed to
// waiting lanes in arrival order. A warm worker registered for a conversation moves
// through ACTIVE, IDLE, EVICTABLE and STOPPING; idle workers are soft-stopped when a
// task needs the conversation, when their eviction timer fires, or when the pool is
// saturated and other conversations are waiting.
//
// All decisions are serialized by one mutex. Work callbacks run on their own goroutines.
package groupqueue
