package batch

import (
	"fmt"
	"time"
)

// Kind identifies a progress event
type Kind string

const (
	KindConnecting Kind = "connecting"
	KindConnected  Kind = "connected"
	KindSending    Kind = "sending"
	KindSent       Kind = "sent"
	KindFailed     Kind = "failed"
	KindAborted    Kind = "aborted"
	KindError      Kind = "error"
	KindComplete   Kind = "complete"
)

// Event is one progress notification from a running batch.
// Sent and Failed are the authoritative counters at the time of the event.
type Event struct {
	Kind      Kind
	RunID     string
	Time      time.Time
	Current   int
	Total     int
	Sent      int
	Failed    int
	Recipient string
	Row       int
	Reason    string
}

// Terminal reports whether the event ends a batch
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindAborted, KindError, KindComplete:
		return true
	default:
		return false
	}
}

func (e Event) String() string {
	switch e.Kind {
	case KindSending, KindSent:
		return fmt.Sprintf("[%d/%d] %s %s", e.Current, e.Total, e.Kind, e.Recipient)
	case KindFailed:
		return fmt.Sprintf("[%d/%d] failed %s: %s", e.Current, e.Total, e.Recipient, e.Reason)
	case KindError:
		return fmt.Sprintf("error: %s", e.Reason)
	case KindComplete:
		return fmt.Sprintf("complete: %d sent, %d failed", e.Sent, e.Failed)
	default:
		return string(e.Kind)
	}
}
