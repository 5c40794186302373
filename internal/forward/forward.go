// Package forward implements component F: the Content Store, Pending
// Interest Table, and the on_interest/on_data/publish/request state
// machine that is the heart of the node. Grounded on
// original_source/version_4/NDNNode.py's handle_interest/
// send_interest/handle_data/send_data for control flow, adapted to
// satisfy the single-outbound-interest-per-name invariant the Python
// source's own duplicate-forward behaviour does not enforce, and to
// decrypt/re-encrypt the payload hop-by-hop against each peer's own
// shared secret rather than relaying ciphertext unread.
package forward

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"ndnhome/internal/crypto"
	"ndnhome/internal/fib"
	"ndnhome/internal/metrics"
	"ndnhome/internal/packet"
	"ndnhome/internal/transport"
)

// SensorReader is the external data source for names this node serves
// locally.
type SensorReader interface {
	Read(name string) ([]byte, bool)
}

// ActuationSink receives decoded (actuator, command) pairs extracted
// from an inbound data payload addressed to this node.
type ActuationSink interface {
	Actuate(actuator, command string)
}

// PeerSecrets is the subset of fib.Table the forwarder needs to reach
// peers and encrypt/decrypt their traffic.
type PeerSecrets interface {
	RoutesFor(name string) []fib.Route
	Secret(name string) ([]byte, bool)
	Address(name string) (string, bool)
	PeerNamesContaining(substr string) []string
}

const nackPrefix = "No data "

// Config bundles the forwarder's tunables.
type Config struct {
	NodeName        string
	LocalPrefixes   map[string]struct{} // full data names served locally, e.g. "/h/r1/temp"
	WireVersion     string
	ResponseTimeout time.Duration
	CSTTL           time.Duration
	PhoneNameMarker string // substring identifying phone nodes for alert fan-out, default "phone"
}

// Forwarder is component F.
type Forwarder struct {
	cfg    Config
	table  PeerSecrets
	reader SensorReader
	sink   ActuationSink
	mx     *metrics.Set

	cs  *contentStore
	pit *pendingTable
	sf  singleflight.Group
}

// New builds a Forwarder. reader and sink may be nil if this node
// serves no local sensors and has no actuators.
func New(cfg Config, table PeerSecrets, reader SensorReader, sink ActuationSink, mx *metrics.Set) *Forwarder {
	if cfg.PhoneNameMarker == "" {
		cfg.PhoneNameMarker = "phone"
	}
	return &Forwarder{
		cfg:    cfg,
		table:  table,
		reader: reader,
		sink:   sink,
		mx:     mx,
		cs:     newContentStore(cfg.CSTTL),
		pit:    newPendingTable(),
	}
}

// CSLen and PITLen expose table sizes for metrics/status reporting.
func (f *Forwarder) CSLen() int  { return f.cs.Len() }
func (f *Forwarder) PITLen() int { return f.pit.Len() }

// SweepCS runs the content store's per-entry TTL eviction; the caller
// schedules this on a ticker (the node's housekeeping loop).
func (f *Forwarder) SweepCS() int { return f.cs.Sweep() }

// FullClearCS drops every CS entry regardless of TTL, for callers that
// want the source's original whole-store-clear behaviour instead of
// per-entry eviction.
func (f *Forwarder) FullClearCS() { f.cs.FullClear() }

// SweepPIT expires timed-out PIT entries and notifies any local
// waiters with a miss.
func (f *Forwarder) SweepPIT() {
	for _, e := range f.pit.ExpireOlderThan(time.Now()) {
		for _, r := range e.requesters {
			if r.Waiter != nil {
				close(r.Waiter)
			}
		}
	}
}

// OnInterest processes an inbound interest for name on behalf of
// requesterName reachable at requesterAddr.
func (f *Forwarder) OnInterest(name, requesterName, requesterAddr string) {
	f.mx.InterestsReceived.Inc()
	f.handleInterest(name, requester{Name: requesterName, Address: requesterAddr})
}

// handleInterest runs the shared source-check / cache-check /
// aggregate-and-forward procedure for r, whether r is a remote peer
// (Address set) or this node itself (Waiter set).
func (f *Forwarder) handleInterest(name string, r requester) {
	// 1. Source check.
	if packet.Prefix(name) == f.cfg.NodeName {
		if _, local := f.cfg.LocalPrefixes[name]; local && f.reader != nil {
			if value, ok := f.reader.Read(name); ok {
				f.cs.Put(name, value)
				f.deliver(name, r, value)
				return
			}
		}
		f.nack(name, r)
		return
	}

	// 2. Cache check.
	if value, ok := f.cs.Get(name); ok {
		f.mx.CSHits.Inc()
		f.deliver(name, r, value)
		return
	}
	f.mx.CSMisses.Inc()

	// 3. Aggregate & forward.
	routes := f.table.RoutesFor(name)
	if len(routes) == 0 {
		f.nack(name, r)
		return
	}

	alreadyPending := f.pit.Insert(name, r, f.cfg.ResponseTimeout)
	if alreadyPending {
		f.mx.InterestsAggregated.Inc()
		return
	}

	_, _, _ = f.sf.Do(name, func() (interface{}, error) {
		f.forwardUpstream(name, routes)
		return nil, nil
	})
}

func (f *Forwarder) forwardUpstream(name string, routes []fib.Route) {
	interest, err := packet.NewInterest(f.cfg.WireVersion, f.cfg.NodeName, "", name, "")
	if err != nil {
		log.Printf("[forward] build interest for %s: %v", name, err)
		return
	}
	for _, route := range routes {
		interest.Destination = route.Peer
		if err := transport.Send(route.Address, interest, f.mx); err == nil {
			f.mx.InterestsForwarded.Inc()
			return
		}
		log.Printf("[forward] failed to forward interest %s to %s: trying next route", name, route.Peer)
	}
	log.Printf("[forward] exhausted all routes for interest %s", name)
	if e, ok := f.pit.Pop(name); ok {
		for _, r := range e.requesters {
			f.nack(name, r)
		}
	}
}

// nack sends the string-encoded NACK payload spec.md §7 specifies and
// bumps the counter callers use to watch un-routable-interest rate.
func (f *Forwarder) nack(name string, r requester) {
	f.mx.NacksSent.Inc()
	f.deliver(name, r, []byte(nackPrefix+name+" available"))
}

// OnData processes an inbound data packet for name, sent to us by
// senderName and still encrypted under senderName's shared secret.
func (f *Forwarder) OnData(senderName, destination, name, wirePayload string) {
	f.mx.DataReceived.Inc()

	value, err := f.decryptFrom(senderName, wirePayload)
	if err != nil {
		if _, unknown := err.(errUnknownPeer); unknown {
			log.Printf("[forward] dropping data for %s: %v", name, err)
			f.mx.UnknownPeerDrops.Inc()
			return
		}
		log.Printf("[forward] could not decrypt data for %s from %s: %v", name, senderName, err)
		f.mx.DecryptFail.Inc()
		return
	}

	e, ok := f.pit.Pop(name)
	if !ok {
		if destination == f.cfg.NodeName {
			log.Printf("[forward] stray data for %s addressed to this node but not in PIT; dropping", name)
		}
		return
	}

	f.cs.Put(name, value)

	for _, r := range e.requesters {
		f.deliver(name, r, value)
	}
}

// deliver hands value to r: a local waiter gets it decoded and pushed
// down its channel (with command/alert interpretation applied first);
// a remote peer gets it freshly encrypted under its own shared secret
// and sent to its stored reverse-path address.
func (f *Forwarder) deliver(name string, r requester, value []byte) {
	if r.Waiter != nil {
		f.interpretForSelf(name, value)
		r.Waiter <- value
		close(r.Waiter)
		return
	}
	if r.Name == f.cfg.NodeName {
		return
	}

	payload, err := f.encryptFor(r.Name, value)
	if err != nil {
		log.Printf("[forward] encrypt data for %s to %s: %v", name, r.Name, err)
		return
	}
	addr := r.Address
	if addr == "" {
		a, ok := f.table.Address(r.Name)
		if !ok {
			log.Printf("[forward] no address for requester %s, dropping data for %s", r.Name, name)
			return
		}
		addr = a
	}
	dp, err := packet.NewData(f.cfg.WireVersion, f.cfg.NodeName, r.Name, name, payload)
	if err != nil {
		log.Printf("[forward] build data packet for %s: %v", name, err)
		return
	}
	if err := transport.Send(addr, dp, f.mx); err != nil {
		log.Printf("[forward] send data for %s to %s: %v", name, r.Name, err)
	}
}

func (f *Forwarder) interpretForSelf(name string, value []byte) {
	text := string(value)
	switch {
	case isCommandPayload(text):
		actuator, command := decodeCommand(name, text)
		if f.sink != nil {
			f.sink.Actuate(actuator, command)
		}
	case isAlertPayload(text):
		if contains(f.cfg.NodeName, f.cfg.PhoneNameMarker) {
			log.Printf("[forward] alert %s is set off", lastSegment(name))
		}
	}
}

// decryptFrom decrypts wirePayload under peerName's shared secret. A
// sender this node has never completed ECDH with has no secret on
// file, and its payload must be dropped rather than trusted as
// plaintext; see errUnknownPeer.
func (f *Forwarder) decryptFrom(peerName, wirePayload string) ([]byte, error) {
	secret, ok := f.table.Secret(peerName)
	if !ok {
		return nil, errUnknownPeer(peerName)
	}
	return crypto.Decrypt(secret, wirePayload)
}

// encryptFor refuses to produce a payload for a peer with no
// established shared secret rather than ever send a plaintext wire
// record.
func (f *Forwarder) encryptFor(peerName string, value []byte) (string, error) {
	secret, ok := f.table.Secret(peerName)
	if !ok {
		return "", errUnknownPeer(peerName)
	}
	return crypto.Encrypt(secret, value)
}

func contains(s, sub string) bool {
	if sub == "" {
		return true
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// Publish is the local-origin write path: store in CS and
// opportunistically satisfy any pending interests for name, then
// evaluate the alert fan-out hook.
func (f *Forwarder) Publish(name string, value []byte) {
	f.cs.Put(name, value)
	if e, ok := f.pit.Pop(name); ok {
		for _, r := range e.requesters {
			f.deliver(name, r, value)
		}
	}
	if isAlertable(name, string(value)) {
		f.fanOutAlert(name, value)
	}
}

func (f *Forwarder) fanOutAlert(name string, value []byte) {
	if contains(f.cfg.NodeName, f.cfg.PhoneNameMarker) {
		log.Printf("[forward] alert %s is set off", lastSegment(name))
		return
	}
	phones := f.table.PeerNamesContaining(f.cfg.PhoneNameMarker)
	if len(phones) == 0 {
		log.Printf("[forward] alert for %s discarded: no phone node known", name)
		return
	}
	for _, phone := range phones {
		f.deliver(name, requester{Name: phone}, value)
	}
}

// Request is the local-origin read path: return a cached value
// immediately, or emit an interest with self as requester and block
// up to ResponseTimeout. A NACK reply is reported as a miss.
func (f *Forwarder) Request(ctx context.Context, name string) ([]byte, bool) {
	if value, ok := f.cs.Get(name); ok {
		return value, true
	}

	waiter := make(chan []byte, 1)
	f.handleInterest(name, requester{Name: f.cfg.NodeName, Waiter: waiter})

	timer := time.NewTimer(f.cfg.ResponseTimeout)
	defer timer.Stop()
	select {
	case v, ok := <-waiter:
		if !ok || string(v) == nackPrefix+name+" available" {
			return nil, false
		}
		return v, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// SendInterestTo implements the operator-driven send_interest path:
// create a self-origin PIT entry and dispatch directly to destination,
// bypassing FIB route selection.
func (f *Forwarder) SendInterestTo(name, destination string) error {
	interest, err := packet.NewInterest(f.cfg.WireVersion, f.cfg.NodeName, destination, name, "")
	if err != nil {
		return err
	}
	f.pit.Insert(name, requester{Name: f.cfg.NodeName}, f.cfg.ResponseTimeout)
	addr, ok := f.table.Address(destination)
	if !ok {
		return errNoRoute(destination)
	}
	return transport.Send(addr, interest, f.mx)
}

type errNoRoute string

func (e errNoRoute) Error() string { return "forward: no known address for peer " + string(e) }

type errUnknownPeer string

func (e errUnknownPeer) Error() string { return "forward: no shared secret for peer " + string(e) }
