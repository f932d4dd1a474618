package transport

import "fmt"

// EventKind identifies a transport lifecycle event
type EventKind int

const (
	EventTransmissionStarted EventKind = iota
	EventDataSent
	EventTransmissionCompleted
	EventDataReceived
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventTransmissionStarted:
		return "transmission_started"
	case EventDataSent:
		return "data_sent"
	case EventTransmissionCompleted:
		return "transmission_completed"
	case EventDataReceived:
		return "data_received"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is one notification from the transport. Data carries the sent or
// received text; Err is set for EventError.
type Event struct {
	Kind EventKind
	Data string
	Err  error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

// Handler receives transport events. Handlers run on transport goroutines and
// may call back into the transport.
type Handler func(Event)
