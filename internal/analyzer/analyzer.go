// Package analyzer extracts per-packet features and maintains the
// per-flow aggregate state the Detector's rate-based rules depend on. It
// decodes only IP/TCP/UDP headers: deep packet inspection and
// application-layer parsing are out of scope for this module.
package analyzer

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Protocol identifies the transport protocol of a Feature.
type Protocol string

const (
	ProtocolTCP   Protocol = "TCP"
	ProtocolUDP   Protocol = "UDP"
	ProtocolOther Protocol = "OTHER"
)

const minFlowDuration = 100 * time.Microsecond // epsilon, avoids divide-by-zero on first packet

// Feature is the derived, immutable record the Analyzer emits for every
// IP packet on a tracked protocol.
type Feature struct {
	Timestamp time.Time

	SrcIP    string
	DstIP    string
	Protocol Protocol
	SrcPort  uint16
	DstPort  uint16

	PacketSize int

	TCPFlags   string // canonical form: contains 'S','A','F','R','P','U' per set bit
	WindowSize int

	FlowDuration float64 // seconds
	PacketRate   float64 // packets/sec
	ByteRate     float64 // bytes/sec
	TotalPackets uint64
	TotalBytes   uint64
}

// FlowKey is the 5-tuple identifying a flow.
type FlowKey struct {
	SrcIP    string
	DstIP    string
	SrcPort  uint16
	DstPort  uint16
	Protocol Protocol
}

type flowEntry struct {
	packetCount uint64
	byteCount   uint64
	firstTs     time.Time
	lastTs      time.Time
}

// Analyzer maintains the flow table and turns packets into Features.
// Analyze and Sweep are both called only from the single detection-
// consumer goroutine, so the flow table needs no locking.
type Analyzer struct {
	idleTimeout time.Duration
	flows       map[FlowKey]*flowEntry
}

// New creates an Analyzer whose flow entries are evicted once idle for
// longer than idleTimeout.
func New(idleTimeout time.Duration) *Analyzer {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &Analyzer{
		idleTimeout: idleTimeout,
		flows:       make(map[FlowKey]*flowEntry),
	}
}

// Analyze decodes pkt and returns a Feature, or nil for non-IP packets and
// for L4 protocols other than TCP/UDP.
func (a *Analyzer) Analyze(pkt gopacket.Packet) *Feature {
	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		return nil
	}

	var srcIP, dstIP net.IP
	switch l := netLayer.(type) {
	case *layers.IPv4:
		srcIP, dstIP = l.SrcIP, l.DstIP
	case *layers.IPv6:
		srcIP, dstIP = l.SrcIP, l.DstIP
	default:
		return nil
	}

	ts := pkt.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	size := len(pkt.Data())

	feature := &Feature{
		Timestamp:  ts,
		SrcIP:      srcIP.String(),
		DstIP:      dstIP.String(),
		PacketSize: size,
	}

	switch l := pkt.TransportLayer().(type) {
	case *layers.TCP:
		feature.Protocol = ProtocolTCP
		feature.SrcPort = uint16(l.SrcPort)
		feature.DstPort = uint16(l.DstPort)
		feature.TCPFlags = canonicalTCPFlags(l)
		feature.WindowSize = int(l.Window)
	case *layers.UDP:
		feature.Protocol = ProtocolUDP
		feature.SrcPort = uint16(l.SrcPort)
		feature.DstPort = uint16(l.DstPort)
	default:
		return nil
	}

	key := FlowKey{
		SrcIP:    feature.SrcIP,
		DstIP:    feature.DstIP,
		SrcPort:  feature.SrcPort,
		DstPort:  feature.DstPort,
		Protocol: feature.Protocol,
	}

	entry, ok := a.flows[key]
	if !ok {
		entry = &flowEntry{firstTs: ts}
		a.flows[key] = entry
	}
	entry.packetCount++
	entry.byteCount += uint64(size)
	entry.lastTs = ts
	packetCount, byteCount, firstTs := entry.packetCount, entry.byteCount, entry.firstTs

	duration := ts.Sub(firstTs).Seconds()
	if duration < minFlowDuration.Seconds() {
		duration = minFlowDuration.Seconds()
	}

	feature.FlowDuration = duration
	feature.PacketRate = float64(packetCount) / duration
	feature.ByteRate = float64(byteCount) / duration
	feature.TotalPackets = packetCount
	feature.TotalBytes = byteCount

	return feature
}

// canonicalTCPFlags renders the TCP flag set as a string containing 'S'
// iff SYN is set, 'A' iff ACK is set, and so on, in SYN/ACK/FIN/RST/PSH/URG
// order — matching the bit-to-letter convention this codebase's protocol
// parser already uses for TCP flag rendering.
func canonicalTCPFlags(tcp *layers.TCP) string {
	var flags string
	if tcp.SYN {
		flags += "S"
	}
	if tcp.ACK {
		flags += "A"
	}
	if tcp.FIN {
		flags += "F"
	}
	if tcp.RST {
		flags += "R"
	}
	if tcp.PSH {
		flags += "P"
	}
	if tcp.URG {
		flags += "U"
	}
	return flags
}

// Sweep evicts flow entries idle longer than the configured timeout. It
// must be called from the same goroutine as Analyze.
func (a *Analyzer) Sweep(now time.Time) (evicted int) {
	for key, entry := range a.flows {
		if now.Sub(entry.lastTs) > a.idleTimeout {
			delete(a.flows, key)
			evicted++
		}
	}
	return evicted
}

// FlowCount reports the number of tracked flows, for operational metrics.
func (a *Analyzer) FlowCount() int {
	return len(a.flows)
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%s", k.SrcIP, k.SrcPort, k.DstIP, k.DstPort, k.Protocol)
}
