// Package discovery implements component D: periodic presence
// broadcasts, an offline notice on shutdown, distance-vector
// broadcasts, and the UDP listener that turns all three into FIB
// mutations. Grounded on the teacher's broadcaster/listener goroutine
// shape, generalized from its multicast beacon to the spec's
// SO_REUSEPORT broadcast-domain model.
package discovery

import (
	"context"
	"log"
	"net"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"ndnhome/internal/crypto"
	"ndnhome/internal/fib"
	"ndnhome/internal/metrics"
	"ndnhome/internal/packet"
)

// SecretStore is the subset of fib.Table discovery needs, kept narrow
// so tests can supply a fake.
type SecretStore interface {
	Touch(name, address, pubKeyPEM string, secret []byte) bool
	Offline(name string) bool
	UpdateDV(name string, vector map[string]int) bool
	OwnDV() map[string]int
	Sweep(maxAge time.Duration) []string
	Len() int
}

// Identity is the node's self-description advertised on discovery.
type Identity struct {
	Name        string
	ListenPort  int
	PubKeyPEM   string
	SensorTypes string
}

// Config bundles discovery's tunables, all sourced from spec §6.
type Config struct {
	BroadcastAddr       string // e.g. "255.255.255.255:8889"
	BroadcastPort       int
	PresenceInterval    time.Duration
	StaleAfter          time.Duration // defaults to 3x PresenceInterval
	WireVersion         string
	KeyPair             *crypto.KeyPair
}

// Listener runs the broadcast presence emitter, DV emitter, stale-peer
// watchdog, and the inbound broadcast reader, all driven off ctx.
type Listener struct {
	id    Identity
	cfg   Config
	table SecretStore
	mx    *metrics.Set

	conn *net.UDPConn
}

// New binds the SO_REUSEPORT UDP broadcast socket used for both
// sending and receiving. Binding early lets the caller fail fast on
// port conflicts before spawning goroutines.
func New(id Identity, cfg Config, table SecretStore, mx *metrics.Set) (*Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", localBroadcastBind(cfg.BroadcastPort))
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	return &Listener{id: id, cfg: cfg, table: table, mx: mx, conn: conn}, nil
}

func localBroadcastBind(port int) string {
	return (&net.UDPAddr{Port: port}).String()
}

// Run starts the presence emitter, DV emitter, watchdog, and reader
// goroutines and blocks until ctx is cancelled, at which point it sends
// the offline notice and closes the socket.
func (l *Listener) Run(ctx context.Context) {
	go l.emitPresenceLoop(ctx)
	go l.emitRoutingLoop(ctx)
	go l.watchdogLoop(ctx)
	l.readLoop(ctx)

	l.sendOffline()
	l.conn.Close()
}

func (l *Listener) dest() *net.UDPAddr {
	addr, err := net.ResolveUDPAddr("udp4", l.cfg.BroadcastAddr)
	if err != nil {
		log.Printf("[discovery] bad broadcast address %q: %v", l.cfg.BroadcastAddr, err)
		return nil
	}
	return addr
}

func (l *Listener) send(p *packet.Packet) {
	dest := l.dest()
	if dest == nil {
		return
	}
	raw, err := packet.Encode(p)
	if err != nil {
		log.Printf("[discovery] encode failed: %v", err)
		l.mx.EncodeErrors.Inc()
		return
	}
	if _, err := l.conn.WriteToUDP(raw, dest); err != nil {
		log.Printf("[discovery] broadcast write failed: %v", err)
		l.mx.SendErrors.Inc()
	}
}

func (l *Listener) emitPresenceLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PresenceInterval)
	defer ticker.Stop()
	l.sendPresence()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sendPresence()
		}
	}
}

func (l *Listener) sendPresence() {
	p, err := packet.NewDiscovery(l.cfg.WireVersion, l.id.Name, l.id.ListenPort, packet.StatusOnline, l.id.PubKeyPEM, l.id.SensorTypes)
	if err != nil {
		log.Printf("[discovery] build presence packet: %v", err)
		return
	}
	l.send(p)
	l.mx.PresenceSent.Inc()
}

func (l *Listener) sendOffline() {
	p, err := packet.NewDiscovery(l.cfg.WireVersion, l.id.Name, l.id.ListenPort, packet.StatusOffline, l.id.PubKeyPEM, l.id.SensorTypes)
	if err != nil {
		log.Printf("[discovery] build offline packet: %v", err)
		return
	}
	l.send(p)
}

func (l *Listener) emitRoutingLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sendRouting()
		}
	}
}

func (l *Listener) sendRouting() {
	p, err := packet.NewRouting(l.cfg.WireVersion, l.id.Name, l.id.ListenPort, l.table.OwnDV())
	if err != nil {
		log.Printf("[discovery] build routing packet: %v", err)
		return
	}
	l.send(p)
}

func (l *Listener) watchdogLoop(ctx context.Context) {
	stale := l.cfg.StaleAfter
	if stale <= 0 {
		stale = 3 * l.cfg.PresenceInterval
	}
	ticker := time.NewTicker(l.cfg.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := l.table.Sweep(stale)
			for _, name := range evicted {
				log.Printf("[discovery] watchdog evicted stale peer %s", name)
				l.mx.PeersEvicted.Inc()
			}
			if len(evicted) > 0 {
				l.sendRouting()
			}
		}
	}
}

func (l *Listener) readLoop(ctx context.Context) {
	buf := make([]byte, packet.MaxWireBytes)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("[discovery] read error: %v", err)
			continue
		}
		l.handleDatagram(buf[:n], src)
	}
}

func (l *Listener) handleDatagram(raw []byte, src *net.UDPAddr) {
	p, err := packet.Decode(raw, l.cfg.WireVersion)
	if err != nil {
		l.mx.DecodeErrors.Inc()
		return
	}
	if p.Name == l.id.Name {
		return
	}

	switch p.Type {
	case packet.TypeDiscovery:
		l.handleDiscovery(p, src)
	case packet.TypeRouting:
		l.handleRouting(p)
	default:
		l.mx.DecodeErrors.Inc()
	}
}

func (l *Listener) handleDiscovery(p *packet.Packet, src *net.UDPAddr) {
	d, err := p.DiscoveryPayload()
	if err != nil {
		l.mx.DecodeErrors.Inc()
		return
	}

	switch d.Status {
	case packet.StatusOnline:
		peerPub, err := crypto.DecodePublicKeyPEM(d.PubKey)
		if err != nil {
			log.Printf("[discovery] bad public key from %s: %v", p.Name, err)
			l.mx.DecodeErrors.Inc()
			return
		}
		secret, err := crypto.DeriveSharedSecret(l.cfg.KeyPair.Priv, peerPub)
		if err != nil {
			log.Printf("[discovery] ECDH with %s failed: %v", p.Name, err)
			return
		}
		address := net.JoinHostPort(src.IP.String(), strconv.Itoa(d.Port))
		isNew := l.table.Touch(p.Name, address, d.PubKey, secret)
		l.mx.PeersKnown.Set(float64(l.table.Len()))
		if isNew {
			log.Printf("[discovery] new peer %s at %s", p.Name, address)
			l.sendRouting()
		}
	case packet.StatusOffline:
		if existed := l.table.Offline(p.Name); existed {
			log.Printf("[discovery] peer %s went offline", p.Name)
			l.sendRouting()
		}
	}
}

func (l *Listener) handleRouting(p *packet.Packet) {
	rd, err := p.RoutingPayload()
	if err != nil {
		l.mx.DecodeErrors.Inc()
		return
	}
	if changed := l.table.UpdateDV(p.Name, rd.Vector); changed {
		l.sendRouting()
	}
}

var _ SecretStore = (*fib.Table)(nil)
