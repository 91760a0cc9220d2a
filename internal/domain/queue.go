package domain

import "context"

// JobMessage is the body published to the broker for a job. Only the
// reference travels over the wire; the job itself stays in the JobStore.
type JobMessage struct {
	JobID string `json:"jobId"`
}

// Message is a broker delivery as seen by a handler.
type Message struct {
	ID          string
	RoutingKey  string
	Body        []byte
	Redelivered bool
}

// Disposition tells the consumer how to settle a delivery.
type Disposition int

const (
	// Ack confirms the message; the broker drops it.
	Ack Disposition = iota
	// Reject nacks without requeue; the message is discarded (or dead-lettered
	// if the broker is configured to do so).
	Reject
	// Requeue nacks with requeue; the broker redelivers the message.
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// MessageHandler processes one delivery. The returned error is for logging;
// the Disposition alone decides how the delivery is settled.
type MessageHandler func(ctx context.Context, msg Message) (Disposition, error)
