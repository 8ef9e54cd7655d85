// Package retry wraps flaky agent-backend calls with classified retries.
//
// Pieces (constructed and injected, no package-level state):
//   - Manager: the ExecuteWithRetry loop (classify -> backoff -> retry).
//   - CircuitBreaker: process-wide 3-state gate shared by all managers.
//   - Metrics: counters, recovery-time average and a bounded record ring.
//
// Classification is an ordered rule table: HTTP status sets first, then
// message regexes. Unmatched errors are Unknown and are never retried.
package retry
