package offline

import (
	"sort"
	"time"
)

type Transport string

const (
	TransportBluetooth Transport = "bluetooth"
	TransportWiFi      Transport = "wifi"
)

// Peer is a discoverable relay point. Account is best effort and may be
// empty.
type Peer struct {
	ID        string    `json:"id"`
	Account   string    `json:"account,omitempty"`
	Transport Transport `json:"transport"`
	Signal    int       `json:"signal"`
	LastSeen  time.Time `json:"last_seen"`
}

// Scanner reports the peers currently in range.
type Scanner interface {
	Scan() []Peer
}

type ScannerFunc func() []Peer

func (f ScannerFunc) Scan() []Peer { return f() }

type peerSet struct {
	peers   map[string]*Peer
	storage map[string][]string
}

func newPeerSet() peerSet {
	return peerSet{peers: make(map[string]*Peer), storage: make(map[string][]string)}
}

func (s peerSet) upsert(p Peer, now time.Time) {
	p.LastSeen = now
	cp := p
	s.peers[p.ID] = &cp
}

func (s peerSet) prune(now time.Time, window time.Duration) int {
	n := 0
	for id, p := range s.peers {
		if now.Sub(p.LastSeen) > window {
			delete(s.peers, id)
			delete(s.storage, id)
			n++
		}
	}
	return n
}

// list returns the live peers, strongest signal first.
func (s peerSet) list() []Peer {
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Signal != out[j].Signal {
			return out[i].Signal > out[j].Signal
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// store records that a peer carried a reservation. Repeats are ignored.
func (s peerSet) store(peerID, reservationID string) bool {
	if s.carried(peerID, reservationID) {
		return false
	}
	s.storage[peerID] = append(s.storage[peerID], reservationID)
	return true
}

// targets picks the relay destinations for a reservation: every peer that
// claims the recipient, otherwise (when allowed) the single strongest peer
// that is not the sender and has not carried it yet.
func (s peerSet) targets(r *Reservation, fallback bool) []Peer {
	live := s.list()
	var out []Peer
	for _, p := range live {
		if p.Account != "" && p.Account == r.To {
			out = append(out, p)
		}
	}
	if len(out) > 0 || !fallback {
		return out
	}
	for _, p := range live {
		if p.Account == r.From || s.carried(p.ID, r.ID) {
			continue
		}
		return []Peer{p}
	}
	return nil
}

func (s peerSet) carried(peerID, reservationID string) bool {
	for _, id := range s.storage[peerID] {
		if id == reservationID {
			return true
		}
	}
	return false
}
