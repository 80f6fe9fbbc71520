package storage

// Package storage persists the gateway's durable state:
//   - Scheduled messages (one collection per session)
//   - Message history (append log per session)
//   - Fire marks (TTL'd idempotence keys guarding restart re-delivery)
//
// The job registry is deliberately not persisted; it is rebuilt from the
// schedule collection during reconciliation.
