package notifier

import "time"

// Config controls the async delivery pipeline.
type Config struct {
	Enabled         bool
	URLs            []string
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Payload is the JSON body POSTed to each webhook URL.
type Payload struct {
	Event string    `json:"event"`
	At    time.Time `json:"at"`
	Data  any       `json:"data,omitempty"`
}

// HistoryItem records one delivery attempt outcome for /status style
// introspection.
type HistoryItem struct {
	At       time.Time
	Event    string
	URL      string
	Attempts int
	OK       bool
	Error    string
}

// DeliveryEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type DeliveryEvent struct {
	Event    string    `json:"event"`
	URL      string    `json:"url,omitempty"`
	Key      string    `json:"key"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
