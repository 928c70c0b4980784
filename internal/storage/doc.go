// Package storage provides the durable local state of the pipeline.
//
// It currently supports:
//   - The offline engagement outbox (ordered, sequence-numbered rows)
//   - Delivery failure records for batches dropped after max retries
//   - Dedup cache entries (to survive restarts)
package storage
