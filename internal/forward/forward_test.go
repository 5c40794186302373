package forward

import (
	"context"
	"net"
	"testing"
	"time"

	"ndnhome/internal/crypto"
	"ndnhome/internal/fib"
	"ndnhome/internal/metrics"
	"ndnhome/internal/packet"
)

type fakeTable struct {
	routes  map[string][]fib.Route
	secrets map[string][]byte
	addrs   map[string]string
	phones  []string
}

func newFakeTable() *fakeTable {
	return &fakeTable{routes: map[string][]fib.Route{}, secrets: map[string][]byte{}, addrs: map[string]string{}}
}

func (f *fakeTable) RoutesFor(name string) []fib.Route       { return f.routes[name] }
func (f *fakeTable) Secret(name string) ([]byte, bool)       { s, ok := f.secrets[name]; return s, ok }
func (f *fakeTable) Address(name string) (string, bool)      { a, ok := f.addrs[name]; return a, ok }
func (f *fakeTable) PeerNamesContaining(sub string) []string { return f.phones }

type fakeReader struct{ values map[string][]byte }

func (r *fakeReader) Read(name string) ([]byte, bool) { v, ok := r.values[name]; return v, ok }

type fakeSink struct{ actuator, command string }

func (s *fakeSink) Actuate(actuator, command string) { s.actuator, s.command = actuator, command }

func testConfig(name string) Config {
	return Config{
		NodeName:        name,
		LocalPrefixes:   map[string]struct{}{},
		WireVersion:     "v1",
		ResponseTimeout: time.Second,
		CSTTL:           10 * time.Second,
	}
}

func listenDiscard(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, packet.MaxWireBytes)
			conn.Read(buf)
			conn.Close()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestOnInterestLocalPrefixServesReader(t *testing.T) {
	cfg := testConfig("/h/r1")
	cfg.LocalPrefixes["/h/r1/temp"] = struct{}{}
	table := newFakeTable()
	reader := &fakeReader{values: map[string][]byte{"/h/r1/temp": []byte("21")}}
	fwd := New(cfg, table, reader, nil, metrics.New("t1"))

	requesterAddr := listenDiscard(t)
	fwd.OnInterest("/h/r1/temp", "/h/r2", requesterAddr)
	time.Sleep(50 * time.Millisecond)
}

func TestOnInterestLocalPrefixMissingSensorNacks(t *testing.T) {
	cfg := testConfig("/h/r1")
	cfg.LocalPrefixes["/h/r1/temp"] = struct{}{}
	table := newFakeTable()
	fwd := New(cfg, table, &fakeReader{values: map[string][]byte{}}, nil, metrics.New("t2"))

	requesterAddr := listenDiscard(t)
	fwd.OnInterest("/h/r1/temp", "/h/r2", requesterAddr)
	time.Sleep(50 * time.Millisecond)
}

func TestOnInterestNoRouteNacks(t *testing.T) {
	cfg := testConfig("/h/r1")
	table := newFakeTable()
	fwd := New(cfg, table, nil, nil, metrics.New("t3"))

	requesterAddr := listenDiscard(t)
	fwd.OnInterest("/unknown/foo", "/h/r2", requesterAddr)
	time.Sleep(50 * time.Millisecond)
	if fwd.PITLen() != 0 {
		t.Fatalf("no-route NACK must not leave a PIT entry, got %d", fwd.PITLen())
	}
}

func TestOnInterestAggregatesDuplicates(t *testing.T) {
	cfg := testConfig("/h/r1")
	table := newFakeTable()
	peerAddr := listenDiscard(t)
	table.routes["/h/r3/temp"] = []fib.Route{{Peer: "/h/r2", Address: peerAddr, Cost: 1}}
	fwd := New(cfg, table, nil, nil, metrics.New("t4"))

	r2Addr := listenDiscard(t)
	fwd.OnInterest("/h/r3/temp", "/h/r2", r2Addr)
	fwd.OnInterest("/h/r3/temp", "/h/r4", r2Addr)

	if fwd.PITLen() != 1 {
		t.Fatalf("aggregated interests for one name must collapse to one PIT entry, got %d", fwd.PITLen())
	}
}

func TestOnDataSatisfiesPITAndCaches(t *testing.T) {
	cfg := testConfig("/h/r2")
	table := newFakeTable()
	secret := []byte("0123456789abcdef0123456789abcdef")
	table.secrets["/h/r1"] = secret
	table.routes["/h/r1/temp"] = []fib.Route{{Peer: "/h/r1", Address: listenDiscard(t), Cost: 1}}
	fwd := New(cfg, table, nil, nil, metrics.New("t5"))

	waiterDone := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		v, ok := fwd.Request(ctx, "/h/r1/temp")
		if !ok || string(v) != "21" {
			t.Errorf("Request did not receive expected value, got %q ok=%v", v, ok)
		}
		close(waiterDone)
	}()

	time.Sleep(20 * time.Millisecond)
	if fwd.PITLen() != 1 {
		t.Fatalf("Request must register a PIT entry while awaiting data, got %d", fwd.PITLen())
	}

	wire, err := crypto.Encrypt(secret, []byte("21"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	fwd.OnData("/h/r1", "/h/r2", "/h/r1/temp", wire)
	<-waiterDone

	if _, ok := fwd.cs.Get("/h/r1/temp"); !ok {
		t.Fatal("data satisfying a request must be cached")
	}
}

func TestPublishSatisfiesPendingInterest(t *testing.T) {
	cfg := testConfig("/h/r1")
	table := newFakeTable()
	peerAddr := listenDiscard(t)
	table.addrs["/h/r2"] = peerAddr
	fwd := New(cfg, table, nil, nil, metrics.New("t6"))

	fwd.pit.Insert("/h/r1/temp", requester{Name: "/h/r2", Address: peerAddr}, time.Minute)
	fwd.Publish("/h/r1/temp", []byte("22"))

	if fwd.PITLen() != 0 {
		t.Fatalf("Publish must satisfy and clear the pending interest, got %d", fwd.PITLen())
	}
	if v, ok := fwd.cs.Get("/h/r1/temp"); !ok || string(v) != "22" {
		t.Fatalf("Publish must cache the value, got %q ok=%v", v, ok)
	}
}

func TestCommandPayloadReachesActuationSink(t *testing.T) {
	cfg := testConfig("/h/r9")
	table := newFakeTable()
	secret := []byte("0123456789abcdef0123456789abcdef")
	table.secrets["/h/r1"] = secret
	table.routes["/h/r1/light"] = []fib.Route{{Peer: "/h/r1", Address: listenDiscard(t), Cost: 1}}
	sink := &fakeSink{}
	fwd := New(cfg, table, nil, sink, metrics.New("t7"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		fwd.Request(ctx, "/h/r1/light")
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	if fwd.PITLen() != 1 {
		t.Fatalf("Request must register a PIT entry while awaiting data, got %d", fwd.PITLen())
	}

	wire, err := crypto.Encrypt(secret, []byte("command/on"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	fwd.OnData("/h/r1", "/h/r9", "/h/r1/light", wire)
	<-done

	if sink.actuator != "light" || sink.command != "on" {
		t.Fatalf("want actuator=light command=on, got actuator=%q command=%q", sink.actuator, sink.command)
	}
}

func TestCryptoRoundTripThroughForwarder(t *testing.T) {
	cfg := testConfig("/h/r1")
	table := newFakeTable()
	secret := []byte("0123456789abcdef0123456789abcdef")
	table.secrets["/h/r2"] = secret
	table.addrs["/h/r2"] = listenDiscard(t)
	fwd := New(cfg, table, nil, nil, metrics.New("t8"))

	fwd.pit.Insert("/h/r1/temp", requester{Name: "/h/r2"}, time.Minute)

	encryptedFromSender, err := fwd.encryptFor("/h/r2", []byte("plaintext-value"))
	if err != nil {
		t.Fatalf("encryptFor: %v", err)
	}
	// Rather than going through OnData, exercise encryptFor and
	// decryptFrom directly against /h/r2's secret table entry.
	plain, err := crypt(fwd, secret, encryptedFromSender)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != "plaintext-value" {
		t.Fatalf("round-trip mismatch: got %q", plain)
	}
}

func crypt(fwd *Forwarder, secret []byte, wire string) ([]byte, error) {
	return fwd.decryptFrom("/h/r2", wire)
}

// TestOnDataCorruptCiphertextIsolatesFailure checks that a corrupted
// wire payload from a peer with a real established secret is dropped
// without touching that peer's FIB/secret entry, and that later valid
// traffic from the same peer still succeeds.
func TestOnDataCorruptCiphertextIsolatesFailure(t *testing.T) {
	cfg := testConfig("/h/r2")
	table := fib.New("/h/r2", nil, 0)
	secret := []byte("0123456789abcdef0123456789abcdef")
	peerAddr := listenDiscard(t)
	table.Touch("/h/r1", peerAddr, "dummy-pem", secret)

	fwd := New(cfg, table, nil, nil, metrics.New("t9"))
	fwd.pit.Insert("/h/r1/temp", requester{Name: "/h/r2"}, time.Minute)

	fwd.OnData("/h/r1", "/h/r2", "/h/r1/temp", "not-valid-base64!!")

	if _, ok := table.Secret("/h/r1"); !ok {
		t.Fatal("a decrypt failure must not remove the peer's shared secret")
	}
	if addr, ok := table.Address("/h/r1"); !ok || addr != peerAddr {
		t.Fatalf("a decrypt failure must not disturb the peer's FIB address, got %q ok=%v", addr, ok)
	}
	if _, ok := fwd.cs.Get("/h/r1/temp"); ok {
		t.Fatal("corrupt data must never reach the content store")
	}
	if fwd.PITLen() != 1 {
		t.Fatalf("a decrypt failure must leave the pending interest intact, got %d", fwd.PITLen())
	}

	wire, err := crypto.Encrypt(secret, []byte("21"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	fwd.OnData("/h/r1", "/h/r2", "/h/r1/temp", wire)

	if v, ok := fwd.cs.Get("/h/r1/temp"); !ok || string(v) != "21" {
		t.Fatalf("subsequent valid data from the same peer must still succeed, got %q ok=%v", v, ok)
	}
	if fwd.PITLen() != 0 {
		t.Fatalf("valid data must satisfy and clear the pending interest, got %d", fwd.PITLen())
	}
}

// TestOnDataUnknownPeerIsDropped checks that data from a peer this
// node has never performed ECDH with is dropped rather than accepted
// as plaintext.
func TestOnDataUnknownPeerIsDropped(t *testing.T) {
	cfg := testConfig("/h/r2")
	table := newFakeTable()
	fwd := New(cfg, table, nil, nil, metrics.New("t10"))
	fwd.pit.Insert("/h/r1/temp", requester{Name: "/h/r2"}, time.Minute)

	fwd.OnData("/h/r1", "/h/r2", "/h/r1/temp", "21")

	if _, ok := fwd.cs.Get("/h/r1/temp"); ok {
		t.Fatal("data from a peer with no shared secret must never be cached")
	}
	if fwd.PITLen() != 1 {
		t.Fatalf("an unknown-peer drop must leave the pending interest intact, got %d", fwd.PITLen())
	}
}
