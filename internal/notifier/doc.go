// Package notifier delivers daemon events to webhook endpoints.
//
// The service subscribes to the event bus and forwards task lifecycle
// events and queue-change snapshots as JSON POSTs to every configured URL.
// Delivery is asynchronous: a bounded queue feeds a small worker pool, a
// token bucket caps the outbound request rate, transient failures are
// retried with jittered backoff, and an optional dedup window suppresses
// exact repeats of the same event.
//
// # Backpressure
//
// Intake never blocks. When the queue is full the delivery is dropped and
// a notifier.dropped event is published, matching the bus contract that
// slow consumers lose events rather than stall producers.
//
// # History
//
// For debugging and operator visibility, the service keeps a small
// in-memory ring of recent delivery outcomes.
package notifier
