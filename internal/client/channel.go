package client

import "github.com/manpreetbhatti/lattice/coderoom/internal/protocol"

// Channel is the part of a Socket the room components need
type Channel interface {
	Emit(ev protocol.Event) error
	On(kind protocol.Kind, fn Handler) Subscription
	Off(sub Subscription)
}

var _ Channel = (*Socket)(nil)

// binding tracks the subscriptions one session made so teardown can release them together
type binding struct {
	ch   Channel
	subs []Subscription
}

func newBinding(ch Channel) *binding {
	return &binding{ch: ch}
}

func (b *binding) on(kind protocol.Kind, fn Handler) {
	b.subs = append(b.subs, b.ch.On(kind, fn))
}

func (b *binding) release() {
	for _, sub := range b.subs {
		b.ch.Off(sub)
	}
	b.subs = nil
}
