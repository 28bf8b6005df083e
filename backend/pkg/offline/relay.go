package offline

import (
	"errors"
	"time"
)

// Announce adds or refreshes a peer in range.
func (e *Engine) Announce(p Peer) {
	if p.ID == "" {
		return
	}
	e.mu.Lock()
	e.peers.upsert(p, e.clock.Now())
	e.mu.Unlock()
}

// DiscoverPeers refreshes the peer set from the scanner and drops peers not
// seen within the peer window. Discovery only runs while offline.
func (e *Engine) DiscoverPeers() []Peer {
	e.mu.Lock()
	if e.mode == ModeOnline {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	var found []Peer
	if e.scanner != nil {
		found = e.scanner.Scan()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	for _, p := range found {
		if p.ID != "" {
			e.peers.upsert(p, now)
		}
	}
	if n := e.peers.prune(now, e.policy.PeerWindow); n > 0 {
		e.logger.Printf("offline: dropped %d stale peers", n)
	}
	return e.peers.list()
}

// Peers lists peers in range, strongest signal first.
func (e *Engine) Peers() []Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers.list()
}

// PeerStorage lists the reservation ids a peer has carried.
func (e *Engine) PeerStorage(peerID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.peers.storage[peerID]...)
}

// Relay sends a pending reservation to the peers that claim its recipient.
// If none do and the engine is offline, it goes to the strongest peer
// instead, which forwards it onward up to the hop limit. Delivery is
// asynchronous.
func (e *Engine) Relay(id string) int {
	e.mu.Lock()
	r, ok := e.reservations[id]
	if !ok || r.Status != StatusPending {
		e.mu.Unlock()
		return 0
	}
	targets := e.peers.targets(r, e.mode != ModeOnline)
	res := *r
	e.mu.Unlock()

	for _, p := range targets {
		e.dispatch(p, res, 1)
	}
	return len(targets)
}

// RelayPending retries relay for every pending reservation.
func (e *Engine) RelayPending() int {
	n := 0
	for _, id := range e.idsWithStatus(StatusPending) {
		n += e.Relay(id)
	}
	return n
}

func (e *Engine) dispatch(p Peer, r Reservation, hops int) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		if d := e.latency(); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-e.closed:
				t.Stop()
				return
			}
		}
		e.deliver(p, r, hops)
	}()
}

func (e *Engine) deliver(p Peer, r Reservation, hops int) {
	e.mu.Lock()
	fresh := e.peers.store(p.ID, r.ID)
	current, ok := e.reservations[r.ID]
	pending := ok && current.Status == StatusPending
	var next []Peer
	if p.Account != r.To && fresh && pending && hops < e.policy.HopLimit {
		next = e.peers.targets(current, true)
	}
	e.mu.Unlock()

	if p.Account == r.To {
		err := e.receive(r, "peer:"+p.ID)
		if err != nil && !errors.Is(err, ErrAlreadyReceived) {
			e.logger.Printf("offline: peer %s rejected %s: %v", p.ID, r.ID, err)
		}
		return
	}
	for _, n := range next {
		if n.ID == p.ID {
			continue
		}
		e.dispatch(n, r, hops+1)
	}
}

// Drain waits for in-flight relay deliveries.
func (e *Engine) Drain() { e.inflight.Wait() }

// Close cancels pending relay delays and waits for deliveries to stop.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.closed) })
	e.inflight.Wait()
}
