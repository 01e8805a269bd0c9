// Package capture binds to a network interface and delivers IP packets
// onto a bounded, tail-drop queue. It is the producer half of the
// Capture→Analyzer/Detector pipeline: the consumer side is a single
// goroutine reading from the shared queue via Next.
package capture

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// Capture reads packets from one network interface into a shared bounded
// channel. On overflow the newest packet is dropped — packets already
// enqueued are never reordered or evicted.
type Capture struct {
	iface  string
	filter string

	snapLen     int32
	promiscuous bool
	timeout     time.Duration

	queue chan gopacket.Packet

	handle *pcap.Handle

	droppedPackets uint64
	lastDropWarn   atomic.Int64 // unix nanos, rate-limits the drop warning to 1/s
}

// Option configures a Capture before Start.
type Option func(*Capture)

// WithSnapLen overrides the default 65535-byte snapshot length.
func WithSnapLen(n int32) Option { return func(c *Capture) { c.snapLen = n } }

// WithPromiscuous toggles promiscuous mode.
func WithPromiscuous(p bool) Option { return func(c *Capture) { c.promiscuous = p } }

// WithReadTimeout overrides the pcap read timeout.
func WithReadTimeout(d time.Duration) Option { return func(c *Capture) { c.timeout = d } }

// New creates a Capture bound to iface, delivering onto queue (shared
// across all interfaces the caller opens).
func New(iface string, queue chan gopacket.Packet, opts ...Option) *Capture {
	c := &Capture{
		iface:       iface,
		snapLen:     65535,
		promiscuous: true,
		timeout:     time.Second,
		queue:       queue,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start opens the interface, applies filter as a BPF expression, and
// begins delivering packets onto the queue until ctx is canceled or Stop
// is called. Start blocks the calling goroutine; callers typically run it
// in its own goroutine per interface.
func (c *Capture) Start(ctx context.Context, filter string) error {
	c.filter = filter

	handle, err := pcap.OpenLive(c.iface, c.snapLen, c.promiscuous, c.timeout)
	if err != nil {
		return fmt.Errorf("open interface %s: %w", c.iface, err)
	}
	c.handle = handle

	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return fmt.Errorf("set BPF filter %q on %s: %w", filter, c.iface, err)
		}
	}

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	packets := source.Packets()

	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			if pkt == nil {
				continue
			}
			c.enqueue(pkt)
		}
	}
}

// enqueue performs the tail-drop: on a full queue the new packet is
// dropped rather than blocking the capture loop.
func (c *Capture) enqueue(pkt gopacket.Packet) {
	select {
	case c.queue <- pkt:
	default:
		atomic.AddUint64(&c.droppedPackets, 1)
		c.warnDropRateLimited()
	}
}

func (c *Capture) warnDropRateLimited() {
	now := time.Now().UnixNano()
	last := c.lastDropWarn.Load()
	if now-last < int64(time.Second) {
		return
	}
	if c.lastDropWarn.CompareAndSwap(last, now) {
		log.Printf("[Capture] %s: queue full, dropping packets (total dropped: %d)", c.iface, atomic.LoadUint64(&c.droppedPackets))
	}
}

// Stop halts delivery and releases the OS capture handle. Stop is
// idempotent.
func (c *Capture) Stop() {
	if c.handle != nil {
		c.handle.Close()
		c.handle = nil
	}
}

// DroppedPackets returns the monotonically increasing tail-drop counter.
func (c *Capture) DroppedPackets() uint64 {
	return atomic.LoadUint64(&c.droppedPackets)
}

// Next pulls the next packet from the shared queue, returning false if
// timeout elapses or the queue is closed.
func Next(queue chan gopacket.Packet, timeout time.Duration) (gopacket.Packet, bool) {
	select {
	case pkt, ok := <-queue:
		return pkt, ok
	case <-time.After(timeout):
		return nil, false
	}
}
