package analyzer

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func buildTCPPacket(t *testing.T, src, dst string, sport, dport uint16, syn, ack bool) gopacket.Packet {
	t.Helper()

	eth := layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
		Protocol: layers.IPProtocolTCP,
	}
	tcp := layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		SYN:     syn,
		ACK:     ack,
		Window:  1024,
	}
	tcp.SetNetworkLayerForChecksum(&ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &tcp); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	pkt.Metadata().Timestamp = time.Now()
	return pkt
}

func TestAnalyzePureSYN(t *testing.T) {
	a := New(60 * time.Second)
	pkt := buildTCPPacket(t, "10.0.0.5", "10.0.0.1", 40000, 22, true, false)

	feature := a.Analyze(pkt)
	if feature == nil {
		t.Fatal("Analyze returned nil for a valid TCP packet")
	}
	if feature.Protocol != ProtocolTCP {
		t.Errorf("Protocol = %v, want TCP", feature.Protocol)
	}
	if feature.TCPFlags != "S" {
		t.Errorf("TCPFlags = %q, want \"S\"", feature.TCPFlags)
	}
	if feature.SrcIP != "10.0.0.5" || feature.DstIP != "10.0.0.1" {
		t.Errorf("got src=%s dst=%s", feature.SrcIP, feature.DstIP)
	}
}

func TestAnalyzeSynAck(t *testing.T) {
	a := New(60 * time.Second)
	pkt := buildTCPPacket(t, "10.0.0.1", "10.0.0.5", 22, 40000, true, true)

	feature := a.Analyze(pkt)
	if feature == nil {
		t.Fatal("Analyze returned nil")
	}
	if feature.TCPFlags != "SA" {
		t.Errorf("TCPFlags = %q, want \"SA\"", feature.TCPFlags)
	}
}

func TestAnalyzeFlowAggregation(t *testing.T) {
	a := New(60 * time.Second)

	for i := 0; i < 5; i++ {
		pkt := buildTCPPacket(t, "10.0.0.5", "10.0.0.1", 40000, 22, false, true)
		feature := a.Analyze(pkt)
		if feature == nil {
			t.Fatal("Analyze returned nil")
		}
		if feature.TotalPackets != uint64(i+1) {
			t.Errorf("packet %d: TotalPackets = %d, want %d", i, feature.TotalPackets, i+1)
		}
	}

	if got := a.FlowCount(); got != 1 {
		t.Errorf("FlowCount() = %d, want 1", got)
	}
}

func TestSweepEvictsIdleFlows(t *testing.T) {
	a := New(10 * time.Millisecond)
	pkt := buildTCPPacket(t, "10.0.0.5", "10.0.0.1", 40000, 22, true, false)
	a.Analyze(pkt)

	if got := a.FlowCount(); got != 1 {
		t.Fatalf("FlowCount() = %d, want 1", got)
	}

	evicted := a.Sweep(time.Now().Add(time.Second))
	if evicted != 1 {
		t.Errorf("Sweep evicted %d flows, want 1", evicted)
	}
	if got := a.FlowCount(); got != 0 {
		t.Errorf("FlowCount() after sweep = %d, want 0", got)
	}
}
