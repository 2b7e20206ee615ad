// Package pipeline delivers accepted envelopes to registered consumers.
//
// An Engine runs four independently supervised pipelines:
//
//   - ingest: durable intake. Envelopes are batched and journaled before
//     dispatch, and a journaled envelope is marked delivered only after all
//     of its consumers finish.
//   - cross_domain: delivers to consumers whose home domain differs from the
//     producer's. Registration is capped per source domain and every edge is
//     metered by a FanoutMeter.
//   - realtime: best-effort. Intake never blocks; envelopes are dropped when
//     a partition queue is full.
//   - producer: envelopes emitted from the durable Outbox (scheduled events
//     and dead-letter replays).
//
// # Ordering and backpressure
//
// Each pipeline hashes (domain, correlation_id) onto a fixed set of partition
// workers, so envelopes of one causal chain reach a consumer in submit order.
// Partition queues are bounded. Consumers declare MaxInFlight and never see
// more concurrent deliveries than that; a worker waiting for credit stalls
// its partition rather than buffering.
//
// # Failures
//
// Handler results are classified and retried under the PolicyTable for their
// class. Exhausted and non-retryable deliveries are dead-lettered. Security
// failures also write an audit record and fatal failures raise an alert.
package pipeline
