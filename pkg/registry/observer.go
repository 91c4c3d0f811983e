package registry

import "github.com/vango-dev/sigsync/pkg/protocol"

// Observer receives registry events for instrumentation.
// Methods are called synchronously and must return quickly.
type Observer interface {
	// SignalCreated is called once per record.
	SignalCreated(name string, kind protocol.Kind)

	// Mutated is called for every version bump. remote is true when the
	// change came from a client patch.
	Mutated(name string, version uint64, remote bool)

	// Rejected is called when a remote patch is refused because of a
	// version conflict or because it does not apply.
	Rejected(name string, err error)

	// ChannelDelivered is called after a channel message is fanned out.
	ChannelDelivered(name string, recipients int)
}

type nopObserver struct{}

func (nopObserver) SignalCreated(string, protocol.Kind) {}
func (nopObserver) Mutated(string, uint64, bool)        {}
func (nopObserver) Rejected(string, error)              {}
func (nopObserver) ChannelDelivered(string, int)        {}
