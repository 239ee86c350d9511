package events

// EventType represents the type of events flowing through the bus.
type EventType string

const (
	EventCancelRun EventType = "cancel_run"
)

// RedisEvent is the message payload for pub/sub.
type RedisEvent struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Source    string    `json:"source,omitempty"`
	Timestamp int64     `json:"ts,omitempty"`
}

const redisChannel = "durable:run-events"
