// Package schedule turns config-defined recurring entries into queue
// enqueues (cron and interval triggers). Execution happens in the queue
// service; this package only computes trigger times and submits tasks.
package schedule
