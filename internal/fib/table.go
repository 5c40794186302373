// Package fib implements the Forwarding Information Base and
// distance-vector router (component C), plus the peer/address/
// public-key/shared-secret/last-seen table it shares a lock with so
// that FIB and secret-table mutations stay atomic with each other
// (spec Invariant 3).
package fib

import (
	"sort"
	"sync"
	"time"
)

// MaxHopsDefault is the loop-suppression cutoff used when a Table is
// constructed without an explicit override.
const MaxHopsDefault = 16

// Route is one candidate next hop for an interest, returned by RoutesFor
// in ascending cost, then peer-name order.
type Route struct {
	Peer    string
	Address string
	Cost    int
}

// PeerSnapshot is a read-only view of a peer record, for status
// reporting and the stale-peer watchdog.
type PeerSnapshot struct {
	Name     string
	Address  string
	LastSeen time.Time
}

type peerEntry struct {
	address   string
	pubKeyPEM string
	secret    []byte
	vector    map[string]int
	lastSeen  time.Time
}

// Table holds this node's locally-served prefixes, its known peers'
// addresses/keys/secrets/vectors, and computes routes and the
// distance vector this node advertises.
type Table struct {
	mu            sync.RWMutex
	nodeName      string
	localPrefixes map[string]struct{}
	peers         map[string]*peerEntry
	maxHops       int
}

// New creates a Table for nodeName, serving the given full data names
// (e.g. "/h/r1/temp") at cost 0.
func New(nodeName string, localPrefixes []string, maxHops int) *Table {
	if maxHops <= 0 {
		maxHops = MaxHopsDefault
	}
	lp := make(map[string]struct{}, len(localPrefixes))
	for _, p := range localPrefixes {
		lp[p] = struct{}{}
	}
	return &Table{
		nodeName:      nodeName,
		localPrefixes: lp,
		peers:         map[string]*peerEntry{},
		maxHops:       maxHops,
	}
}

// Touch records a peer as seen: inserting it if unknown, or refreshing
// its address/public key/shared secret/last-seen if already known.
// isNew reports whether the peer was absent before this call, which the
// discovery listener uses to decide whether to broadcast an updated own
// distance vector (only a genuinely new peer warrants one).
func (t *Table) Touch(name, address, pubKeyPEM string, secret []byte) (isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[name]
	if !ok {
		e = &peerEntry{}
		t.peers[name] = e
		isNew = true
	}
	e.address = address
	e.pubKeyPEM = pubKeyPEM
	e.secret = secret
	e.lastSeen = time.Now()
	return isNew
}

// Offline removes a peer and its shared secret atomically, reporting
// whether the peer was present.
func (t *Table) Offline(name string) (existed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[name]
	delete(t.peers, name)
	return ok
}

// UpdateDV replaces the stored distance vector for peer name (inserting
// a record with no address or secret if name is unknown) and reports
// whether this node's own best-route set (prefix, best cost, best via)
// changed as a result.
func (t *Table) UpdateDV(name string, vector map[string]int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.bestRoutesLocked()

	e, ok := t.peers[name]
	if !ok {
		e = &peerEntry{lastSeen: time.Now()}
		t.peers[name] = e
	}
	cp := make(map[string]int, len(vector))
	for k, v := range vector {
		cp[k] = v
	}
	e.vector = cp

	after := t.bestRoutesLocked()
	return !dvEqual(before, after)
}

// bestRoutesLocked flattens bestPerPrefixLocked into (prefix, via) ->
// cost, so two snapshots differ when a best cost or a best via changes.
func (t *Table) bestRoutesLocked() map[string]int {
	out := map[string]int{}
	for p, cands := range t.bestPerPrefixLocked() {
		for _, c := range cands {
			out[p+"\x00"+c.via] = c.cost
		}
	}
	return out
}

func dvEqual(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// candidate is one (cost, via-peer) pair contending for a prefix.
type candidate struct {
	cost int
	via  string // "" means served locally
}

// bestPerPrefixLocked returns, for every prefix known to this node (local or
// learned from a peer's vector), the minimum-cost candidate(s) - the
// full set so RoutesFor can return every peer tied at the winning cost.
func (t *Table) bestPerPrefixLocked() map[string][]candidate {
	best := map[string]int{}
	all := map[string][]candidate{}

	add := func(prefix string, c candidate) {
		all[prefix] = append(all[prefix], c)
		if cur, ok := best[prefix]; !ok || c.cost < cur {
			best[prefix] = c.cost
		}
	}
	for p := range t.localPrefixes {
		add(p, candidate{cost: 0, via: ""})
	}
	for peerName, e := range t.peers {
		for p, c := range e.vector {
			nc := c + 1
			if nc >= t.maxHops {
				continue
			}
			add(p, candidate{cost: nc, via: peerName})
		}
	}
	result := make(map[string][]candidate, len(all))
	for p, cands := range all {
		min := best[p]
		var winners []candidate
		for _, c := range cands {
			if c.cost == min {
				winners = append(winners, c)
			}
		}
		result[p] = winners
	}
	return result
}

func (t *Table) ownDVLocked() map[string]int {
	out := map[string]int{}
	for p, cands := range t.bestPerPrefixLocked() {
		min := cands[0].cost
		for _, c := range cands {
			if c.cost < min {
				min = c.cost
			}
		}
		out[p] = min
	}
	return out
}

// OwnDV returns the distance vector this node advertises to neighbours:
// cost 0 for locally served names, otherwise 1 + the best cost a peer
// advertises for that prefix, withheld once it would reach maxHops.
func (t *Table) OwnDV() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ownDVLocked()
}

// RoutesFor returns the ordered list of candidate next hops for name:
// it selects the longest known prefix of name and returns the peers
// offering that prefix at its minimum cost, sorted by cost then by peer
// name. Shorter matching prefixes are not considered. Local-only
// matches (no peer address) are excluded since the forwarder's source
// check already handles names served by this node.
func (t *Table) RoutesFor(name string) []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tr := newTrie()
	for p := range t.localPrefixes {
		tr.insert(p)
	}
	for _, e := range t.peers {
		for p := range e.vector {
			tr.insert(p)
		}
	}
	winningPrefix, ok := tr.longestMatch(name)
	if !ok {
		return nil
	}

	best := t.bestPerPrefixLocked()[winningPrefix]
	routes := make([]Route, 0, len(best))
	for _, c := range best {
		if c.via == "" {
			continue
		}
		e, ok := t.peers[c.via]
		if !ok || e.address == "" {
			continue
		}
		routes = append(routes, Route{Peer: c.via, Address: e.address, Cost: c.cost})
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Cost != routes[j].Cost {
			return routes[i].Cost < routes[j].Cost
		}
		return routes[i].Peer < routes[j].Peer
	})
	return routes
}

// Secret returns the shared AES key for a known peer.
func (t *Table) Secret(name string) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.peers[name]
	if !ok || e.secret == nil {
		return nil, false
	}
	return e.secret, true
}

// Address returns the TCP address advertised by a known peer.
func (t *Table) Address(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.peers[name]
	if !ok || e.address == "" {
		return "", false
	}
	return e.address, true
}

// HasPeer reports whether name is a known peer.
func (t *Table) HasPeer(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[name]
	return ok
}

// PeerNamesContaining returns the names of known peers whose name
// contains substr (used by the forwarder's alert fan-out to phones).
func (t *Table) PeerNamesContaining(substr string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for name := range t.peers {
		if containsSubstring(name, substr) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func containsSubstring(s, sub string) bool {
	return len(sub) == 0 || (len(s) >= len(sub) && indexOf(s, sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// Sweep evicts every peer whose last-seen timestamp is older than
// maxAge, returning the evicted peer names so the caller can log and
// re-broadcast its own distance vector.
func (t *Table) Sweep(maxAge time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var evicted []string
	for name, e := range t.peers {
		if e.lastSeen.Before(cutoff) {
			delete(t.peers, name)
			evicted = append(evicted, name)
		}
	}
	return evicted
}

// Snapshot returns a read-only view of every known peer, for status
// endpoints and tests.
func (t *Table) Snapshot() []PeerSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerSnapshot, 0, len(t.peers))
	for name, e := range t.peers {
		out = append(out, PeerSnapshot{Name: name, Address: e.address, LastSeen: e.lastSeen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports the number of known peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
