// Package packet implements the wire codec for the four NDN overlay
// packet types: discovery, routing, interest and data.
package packet

import (
	"encoding/json"
	"errors"
	"time"
)

// Type identifies one of the four packet shapes on the wire.
type Type string

const (
	TypeDiscovery Type = "discovery"
	TypeRouting   Type = "routing"
	TypeInterest  Type = "interest"
	TypeData      Type = "data"
)

// Status values carried in a discovery packet's data field.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

var (
	// ErrVersionMismatch is returned when a packet's version does not
	// match this node's compile-time version. The packet MUST be
	// dropped silently; callers bump a warning counter.
	ErrVersionMismatch = errors.New("packet: version mismatch")
	// ErrMalformed is returned for invalid JSON or a header missing
	// required fields.
	ErrMalformed = errors.New("packet: malformed")
	// ErrUnknownType is returned for a well-formed header naming a
	// packet type this codec does not recognise.
	ErrUnknownType = errors.New("packet: unknown type")
)

// MaxWireBytes is the fixed receive-buffer size a compatible peer MUST
// accept, per spec (source limit kept for interop with older nodes).
const MaxWireBytes = 1024

// Packet is the common envelope shared by all four packet types. Data
// carries a type-specific payload: a DiscoveryData or RoutingData value
// for discovery/routing packets, or a base64 ciphertext string for
// interest/data packets (see StringPayload below).
type Packet struct {
	Version     string          `json:"version"`
	Type        Type            `json:"type"`
	Name        string          `json:"name"`
	Timestamp   string          `json:"timestamp"`
	Sender      string          `json:"sender,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// DiscoveryData is the payload of a discovery packet.
type DiscoveryData struct {
	Port        int    `json:"port"`
	Status      string `json:"status"`
	PubKey      string `json:"pub_key"`
	SensorTypes string `json:"sensor_types"`
}

// RoutingData is the payload of a routing (distance-vector) packet.
type RoutingData struct {
	Port   int            `json:"port"`
	Vector map[string]int `json:"vector"`
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func newEnvelope(version string, typ Type, name string) Packet {
	return Packet{Version: version, Type: typ, Name: name, Timestamp: now()}
}

// NewDiscovery builds a discovery packet.
func NewDiscovery(version, nodeName string, port int, status, pubKeyPEM, sensorTypes string) (*Packet, error) {
	p := newEnvelope(version, TypeDiscovery, nodeName)
	raw, err := json.Marshal(DiscoveryData{Port: port, Status: status, PubKey: pubKeyPEM, SensorTypes: sensorTypes})
	if err != nil {
		return nil, err
	}
	p.Data = raw
	return &p, nil
}

// NewRouting builds a routing (distance-vector) packet.
func NewRouting(version, nodeName string, port int, vector map[string]int) (*Packet, error) {
	p := newEnvelope(version, TypeRouting, nodeName)
	raw, err := json.Marshal(RoutingData{Port: port, Vector: vector})
	if err != nil {
		return nil, err
	}
	p.Data = raw
	return &p, nil
}

// NewInterest builds an interest packet. data is the already base64'd,
// encrypted payload (empty for a plain interest - interests carry no
// payload beyond the requested name).
func NewInterest(version, sender, destination, name, data string) (*Packet, error) {
	p := newEnvelope(version, TypeInterest, name)
	p.Sender, p.Destination = sender, destination
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	p.Data = raw
	return &p, nil
}

// NewData builds a data packet carrying the base64-encoded, encrypted
// payload produced by internal/crypto.
func NewData(version, sender, destination, name, data string) (*Packet, error) {
	p := newEnvelope(version, TypeData, name)
	p.Sender, p.Destination = sender, destination
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	p.Data = raw
	return &p, nil
}

// Encode serialises a packet to its wire JSON form.
func Encode(p *Packet) ([]byte, error) {
	return json.Marshal(p)
}

// Decode parses a wire message and checks its version against
// wantVersion. Malformed JSON, a version mismatch and an unrecognised
// type are all reported as distinct sentinel errors so callers can
// classify drops for their warning counters.
func Decode(raw []byte, wantVersion string) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrMalformed
	}
	if p.Version == "" || p.Name == "" {
		return nil, ErrMalformed
	}
	if p.Version != wantVersion {
		return nil, ErrVersionMismatch
	}
	switch p.Type {
	case TypeDiscovery, TypeRouting, TypeInterest, TypeData:
	default:
		return nil, ErrUnknownType
	}
	return &p, nil
}

// DiscoveryPayload unmarshals p.Data as a DiscoveryData value.
func (p *Packet) DiscoveryPayload() (DiscoveryData, error) {
	var d DiscoveryData
	err := json.Unmarshal(p.Data, &d)
	return d, err
}

// RoutingPayload unmarshals p.Data as a RoutingData value.
func (p *Packet) RoutingPayload() (RoutingData, error) {
	var d RoutingData
	err := json.Unmarshal(p.Data, &d)
	return d, err
}

// StringPayload unmarshals p.Data as the base64 ciphertext string carried
// by interest/data packets.
func (p *Packet) StringPayload() (string, error) {
	var s string
	err := json.Unmarshal(p.Data, &s)
	return s, err
}

// Prefix returns everything before the last '/' segment of name, i.e.
// the node-name portion of a data name "<node_name>/<sensor_name>".
func Prefix(name string) string {
	idx := lastSlash(name)
	if idx < 0 {
		return ""
	}
	return name[:idx]
}

func lastSlash(name string) int {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return i
		}
	}
	return -1
}
