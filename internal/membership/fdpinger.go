package membership

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// FDPinger is C8: the direct failure-detector's callable surface, used by
// an external per-node failure detector that addresses peers by a small
// integer id rather than by Addr. It owns the addr<->id bimap and the
// generation number, propagated whenever the local heartbeat generation
// changes.
//
// §4.8 describes ID allocation as coordinator-only, with other cores
// lazily fetching the reverse mapping on first use; since this module
// runs as a single process (§9 "Cross-core state"), there is only ever
// one allocator and no lazy-fetch path is needed — AllocateID is always
// coordinator-local here, which is the single-process specialization of
// that rule rather than a divergence from it.
type FDPinger struct {
	log    zerolog.Logger
	self   Addr
	client *Client

	mu        sync.Mutex
	addrToID  map[Addr]uint64
	idToAddr  map[uint64]Addr
	nextID    uint64
	generation int32
}

func NewFDPinger(self Addr, client *Client, log zerolog.Logger) *FDPinger {
	return &FDPinger{
		log:      log.With().Str("component", "fdpinger").Logger(),
		self:     self,
		client:   client,
		addrToID: make(map[Addr]uint64),
		idToAddr: make(map[uint64]Addr),
		nextID:   1,
	}
}

// SetGeneration propagates the current heartbeat generation; wired as the
// anti-entropy engine's generation-change hook (§4.3 step 9, §4.8).
func (p *FDPinger) SetGeneration(generation int32) {
	atomic.StoreInt32(&p.generation, generation)
}

// AllocateID returns addr's id, minting a new one if this is the first
// time addr has been seen.
func (p *FDPinger) AllocateID(addr Addr) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.addrToID[addr]; ok {
		return id
	}
	id := p.nextID
	p.nextID++
	p.addrToID[addr] = id
	p.idToAddr[id] = addr
	return id
}

// ResolveID returns the address registered under id.
func (p *FDPinger) ResolveID(id uint64) (Addr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, ok := p.idToAddr[id]
	return addr, ok
}

// Ping implements §4.8's ping(id, abort_token): sends an Echo carrying the
// current generation, returning true on success and false (no error) when
// the failure is net.ErrClosed or any *net.OpError (a closed connection, and
// also a refused or failed dial); every other error is returned.
func (p *FDPinger) Ping(ctx context.Context, id uint64) (bool, error) {
	addr, ok := p.ResolveID(id)
	if !ok {
		return false, errors.New("membership: unknown fd-pinger id")
	}

	err := p.client.SendEcho(ctx, p.self, addr, EchoRequest{Generation: atomic.LoadInt32(&p.generation), HasGeneration: true})
	if err == nil {
		return true, nil
	}
	if isConnectionClosed(err) {
		return false, nil
	}
	return false, err
}

func isConnectionClosed(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
