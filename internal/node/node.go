// Package node implements component G, the node's public API, wiring
// together the FIB/DV router (C), discovery (D), the connection server
// (E), and the forwarder (F) behind start/stop/set/get/send_interest.
// Grounded on the teacher main.go's construction order (config →
// identity → discovery → servers → block-forever) and its goroutine
// lifecycle, generalized from main()'s inline wiring into a reusable
// Node type since `start()`/`stop()` are operations a caller invokes
// independently of process lifetime (tests spin up several nodes).
package node

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"ndnhome/internal/config"
	"ndnhome/internal/crypto"
	"ndnhome/internal/discovery"
	"ndnhome/internal/fib"
	"ndnhome/internal/forward"
	"ndnhome/internal/metrics"
	"ndnhome/internal/packet"
	"ndnhome/internal/transport"
)

// Node is one NDN overlay peer: everything constructed from a single
// config.Config plus the two external collaborator interfaces spec.md
// §1 carves out.
type Node struct {
	cfg   config.Config
	mx    *metrics.Set
	table *fib.Table
	fwd   *forward.Forwarder
	disc  *discovery.Listener
	srv   *transport.Server
	keys  *crypto.KeyPair
	pub   string

	metricsSrv *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Node and binds its TCP listen socket and its UDP
// broadcast socket, without starting any goroutine; Start does that.
// A zero Port or BroadcastPort asks the OS for an ephemeral port (see
// Addr). reader and sink may be nil.
func New(cfg config.Config, reader forward.SensorReader, sink forward.ActuationSink) (*Node, error) {
	check := cfg
	check.Port, check.BroadcastPort = 1, 1 // ports may be 0 here; validate the rest
	if err := config.Validate(check); err != nil {
		return nil, err
	}

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("node: generate keypair: %w", err)
	}
	pubPEM, err := crypto.EncodePublicKeyPEM(keys.Pub)
	if err != nil {
		return nil, fmt.Errorf("node: encode public key: %w", err)
	}

	localPrefixes := make(map[string]struct{}, len(cfg.SensorTypes))
	for _, s := range cfg.SensorTypes {
		localPrefixes[cfg.NodeName+"/"+s] = struct{}{}
	}

	mx := metrics.New(cfg.NodeName)
	table := fib.New(cfg.NodeName, prefixNames(localPrefixes), cfg.MaxHops)

	fwd := forward.New(forward.Config{
		NodeName:        cfg.NodeName,
		LocalPrefixes:   localPrefixes,
		WireVersion:     cfg.WireVersion,
		ResponseTimeout: cfg.ResponseTimeout,
		CSTTL:           cfg.CSTTL,
		PhoneNameMarker: cfg.PhoneNameMarker,
	}, table, reader, sink, mx)

	n := &Node{cfg: cfg, mx: mx, table: table, fwd: fwd, keys: keys, pub: pubPEM}

	tcpAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	srv, err := transport.Listen(tcpAddr, n.handleConn, cfg.WireVersion, mx)
	if err != nil {
		return nil, fmt.Errorf("node: listen %s: %w", tcpAddr, err)
	}
	n.srv = srv

	listenPort, err := portOf(srv.Addr())
	if err != nil {
		return nil, err
	}

	disc, err := discovery.New(
		discovery.Identity{
			Name:        cfg.NodeName,
			ListenPort:  listenPort,
			PubKeyPEM:   pubPEM,
			SensorTypes: strings.Join(cfg.SensorTypes, ","),
		},
		discovery.Config{
			BroadcastAddr:    net.JoinHostPort(cfg.BroadcastAddr, strconv.Itoa(cfg.BroadcastPort)),
			BroadcastPort:    cfg.BroadcastPort,
			PresenceInterval: cfg.PresenceInterval,
			WireVersion:      cfg.WireVersion,
			KeyPair:          keys,
		},
		table, mx,
	)
	if err != nil {
		return nil, fmt.Errorf("node: discovery bind: %w", err)
	}
	n.disc = disc

	return n, nil
}

func prefixNames(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func portOf(addr net.Addr) (int, error) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

// handleConn dispatches one decoded interest/data packet to the
// forwarder. Replies never ride back on this connection: the spec's
// transport is one-packet-per-connection, so satisfaction travels as an
// independent outbound connection dialled from deliver() against the
// peer's FIB-advertised listen address (§4.5, §4.6).
func (n *Node) handleConn(p *packet.Packet) *packet.Packet {
	switch p.Type {
	case packet.TypeInterest:
		requesterAddr, _ := n.table.Address(p.Sender)
		n.fwd.OnInterest(p.Name, p.Sender, requesterAddr)
	case packet.TypeData:
		payload, err := p.StringPayload()
		if err != nil {
			n.mx.DecodeErrors.Inc()
			return nil
		}
		n.fwd.OnData(p.Sender, p.Destination, p.Name, payload)
	default:
		n.mx.DecodeErrors.Inc()
	}
	return nil
}

// Start spins up the connection server, discovery, and the housekeeping
// loop (§4.7 start()).
func (n *Node) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.srv.Run(ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.disc.Run(ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.housekeepingLoop(ctx)
	}()

	if n.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", n.mx.Handler())
		n.metricsSrv = &http.Server{Addr: n.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[node] metrics server: %v", err)
			}
		}()
	}

	log.Printf("[node] %s started, tcp=%s broadcast=%s:%d", n.cfg.NodeName, n.srv.Addr(), n.cfg.BroadcastAddr, n.cfg.BroadcastPort)
}

func (n *Node) housekeepingLoop(ctx context.Context) {
	interval := n.cfg.CSTTL
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := n.fwd.SweepCS(); evicted > 0 {
				log.Printf("[node] housekeeping evicted %d stale CS entries", evicted)
			}
			n.fwd.SweepPIT()
			n.mx.CSSize.Set(float64(n.fwd.CSLen()))
			n.mx.PITSize.Set(float64(n.fwd.PITLen()))
		}
	}
}

// Stop broadcasts an offline notice, stops every loop, and joins
// (§4.7 stop()). Idempotent and best-effort, matching spec.md §7.
func (n *Node) Stop() {
	if n.cancel == nil {
		return
	}
	n.cancel()
	n.wg.Wait()
	if n.metricsSrv != nil {
		_ = n.metricsSrv.Close()
	}
	n.cancel = nil
}

// Set is the local-origin write path (§4.7 set()): build the data name
// `<node_name>/<sensor_name>`, cache it, and opportunistically satisfy
// any pending interest.
func (n *Node) Set(sensorName string, value []byte) {
	n.fwd.Publish(n.cfg.NodeName+"/"+sensorName, value)
}

// Get is the local-origin read path (§4.7 get()): return a cached value
// or emit an interest and block up to response_timeout.
func (n *Node) Get(name string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ResponseTimeout)
	defer cancel()
	return n.fwd.Request(ctx, name)
}

// SendInterest implements the operator-driven send_interest(name,
// destination) path (§4.7), bypassing FIB route selection.
func (n *Node) SendInterest(name, destination string) error {
	return n.fwd.SendInterestTo(name, destination)
}

// Addr returns the node's bound TCP address, useful for tests that bind
// port 0.
func (n *Node) Addr() net.Addr { return n.srv.Addr() }

// PeerCount reports the number of known peers, for status reporting.
func (n *Node) PeerCount() int { return n.table.Len() }

// NodeName returns this node's hierarchical name.
func (n *Node) NodeName() string { return n.cfg.NodeName }
