package room

import (
	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
)

// A single event addressed to one connection
type Delivery struct {
	To    string
	Event protocol.Event
}

// FactKind names something that happened to a room and is worth persisting
type FactKind int

const (
	FactAuthorAssigned FactKind = iota
	FactAdmitted
	FactDeparted
	FactBlocked
	FactMessageAppended
	FactDocumentChanged
	FactChatPermission
	FactClosed
)

func (k FactKind) String() string {
	switch k {
	case FactAuthorAssigned:
		return "author_assigned"
	case FactAdmitted:
		return "admitted"
	case FactDeparted:
		return "departed"
	case FactBlocked:
		return "blocked"
	case FactMessageAppended:
		return "message_appended"
	case FactDocumentChanged:
		return "document_changed"
	case FactChatPermission:
		return "chat_permission"
	case FactClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Fact is a domain happening. Only the fields relevant to Kind are set.
type Fact struct {
	Kind        FactKind
	Participant protocol.Participant
	Reason      string
	Email       string
	Message     protocol.NewMessage
	Document    Document
	Allowed     bool
}

// Outbox collects what one room operation wants delivered and recorded
type Outbox struct {
	Deliveries []Delivery
	Facts      []Fact
}

func (o *Outbox) send(to string, ev protocol.Event) {
	o.Deliveries = append(o.Deliveries, Delivery{To: to, Event: ev})
}

func (o *Outbox) record(f Fact) {
	o.Facts = append(o.Facts, f)
}

// To returns the events addressed to one connection, in order
func (o Outbox) To(connID string) []protocol.Event {
	var events []protocol.Event
	for _, d := range o.Deliveries {
		if d.To == connID {
			events = append(events, d.Event)
		}
	}
	return events
}

// Empty reports whether the operation had no visible effect
func (o Outbox) Empty() bool {
	return len(o.Deliveries) == 0 && len(o.Facts) == 0
}
