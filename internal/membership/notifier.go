package membership

import (
	"github.com/rs/zerolog"
)

// Listener is the capability set of §4.6/§9: a trait-like set of the seven
// event methods, implemented in full or in part (embed
// NoopListener to satisfy the interface with a subset of real behavior).
type Listener interface {
	OnJoin(addr Addr, state EndpointState)
	OnAlive(addr Addr, state EndpointState)
	OnDead(addr Addr, state EndpointState)
	BeforeChange(addr Addr, state EndpointState, key ApplicationStateKey, next VersionedValue)
	OnChange(addr Addr, state EndpointState, key ApplicationStateKey)
	OnRestart(addr Addr, oldState EndpointState)
	OnRemove(addr Addr)
}

// NoopListener implements Listener with no-ops, so a listener only
// interested in one or two callbacks can embed it instead of implementing
// all seven (§9: "sum of known listener kinds or a trait-like capability
// set").
type NoopListener struct{}

func (NoopListener) OnJoin(Addr, EndpointState)                                    {}
func (NoopListener) OnAlive(Addr, EndpointState)                                    {}
func (NoopListener) OnDead(Addr, EndpointState)                                     {}
func (NoopListener) BeforeChange(Addr, EndpointState, ApplicationStateKey, VersionedValue) {}
func (NoopListener) OnChange(Addr, EndpointState, ApplicationStateKey)              {}
func (NoopListener) OnRestart(Addr, EndpointState)                                  {}
func (NoopListener) OnRemove(Addr)                                                  {}

// Notifier is C6: an append-only ordered list of listeners, dispatched
// sequentially per event. Exceptions are impossible in Go's type system
// for these callbacks (no error return), but a panicking listener is
// recovered and logged so one bad listener cannot wedge the core — this
// is the Go expression of §4.6/§7's "exceptions from listeners are logged
// but do not prevent state replication".
type Notifier struct {
	log       zerolog.Logger
	listeners []Listener
}

func NewNotifier(log zerolog.Logger) *Notifier {
	return &Notifier{log: log.With().Str("component", "notifier").Logger()}
}

// Register appends a listener. Append-only, per §4.6.
func (n *Notifier) Register(l Listener) {
	n.listeners = append(n.listeners, l)
}

func (n *Notifier) safe(event string, addr Addr, fn func(Listener)) {
	for _, l := range n.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.log.Error().Str("event", event).Str("addr", string(addr)).Interface("panic", r).Msg("listener panicked")
				}
			}()
			fn(l)
		}()
	}
}

func (n *Notifier) FireJoin(addr Addr, state EndpointState) {
	n.safe("join", addr, func(l Listener) { l.OnJoin(addr, state) })
}

func (n *Notifier) FireAlive(addr Addr, state EndpointState) {
	n.safe("alive", addr, func(l Listener) { l.OnAlive(addr, state) })
}

func (n *Notifier) FireDead(addr Addr, state EndpointState) {
	n.safe("dead", addr, func(l Listener) { l.OnDead(addr, state) })
}

func (n *Notifier) FireBeforeChange(addr Addr, state EndpointState, key ApplicationStateKey, next VersionedValue) {
	n.safe("before_change", addr, func(l Listener) { l.BeforeChange(addr, state, key, next) })
}

func (n *Notifier) FireChange(addr Addr, state EndpointState, key ApplicationStateKey) {
	n.safe("change", addr, func(l Listener) { l.OnChange(addr, state, key) })
}

func (n *Notifier) FireRestart(addr Addr, oldState EndpointState) {
	n.safe("restart", addr, func(l Listener) { l.OnRestart(addr, oldState) })
}

func (n *Notifier) FireRemove(addr Addr) {
	n.safe("remove", addr, func(l Listener) { l.OnRemove(addr) })
}
