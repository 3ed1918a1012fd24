package pemi

//
// Packet I/O shim (spec §4.1).
//
// The live implementation is grounded on the teacher's pcap.go (same
// github.com/google/gopacket/pcapgo dependency, same snapshot-and-forward
// shape) generalized from "tee a NIC's frames into a trace file" to
// "read two live interfaces with github.com/google/gopacket/pcap and hand
// packets to the engine", and on nic.go's channel-based
// FrameAvailable()/ReadFrameNonblocking() pair, generalized into a single
// multiplexed channel fed by one reader goroutine per interface — PEMI has
// exactly two interfaces, not an arbitrary NIC set, so one shared channel
// replaces the teacher's per-NIC polling loop.
//

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket/pcap"
)

// PacketIO is the engine's only dependency on the outside world: a raw
// L2/L3 packet-in/packet-out duplex plus a monotonic arrival clock
// (spec §2, component 1).
type PacketIO interface {
	// NextPacket blocks until a packet arrives on either interface, the
	// context is cancelled, or the shim is closed.
	NextPacket(ctx context.Context) (payload []byte, arrival time.Time, side Side, err error)

	// Forward writes payload out of the interface on egressSide,
	// unmodified.
	Forward(payload []byte, egressSide Side) error

	// Inject writes payload out of the interface on egressSide as an
	// additional, engine-originated copy.
	Inject(payload []byte, egressSide Side) error

	Close() error
}

// rawPacket is one packet read from the wire, already timestamped.
type rawPacket struct {
	payload []byte
	arrival time.Time
	side    Side
}

const pcapSnapLen = 65536
const pcapReadChannelDepth = 4096

// PacketIOPcap is the live [PacketIO], backed by two promiscuous
// github.com/google/gopacket/pcap handles.
type PacketIOPcap struct {
	near, far *pcap.Handle

	ch   chan rawPacket
	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

var _ PacketIO = &PacketIOPcap{}

// NewPacketIOPcap opens ifaceNear and ifaceFar for live, promiscuous
// capture and begins reading both in background goroutines.
func NewPacketIOPcap(ifaceNear, ifaceFar string) (*PacketIOPcap, error) {
	near, err := pcap.OpenLive(ifaceNear, pcapSnapLen, true, pcap.BlockForever)
	if err != nil {
		return nil, newErrConfig(fmt.Sprintf("pcap.OpenLive(%s): %s", ifaceNear, err.Error()))
	}
	far, err := pcap.OpenLive(ifaceFar, pcapSnapLen, true, pcap.BlockForever)
	if err != nil {
		near.Close()
		return nil, newErrConfig(fmt.Sprintf("pcap.OpenLive(%s): %s", ifaceFar, err.Error()))
	}

	pio := &PacketIOPcap{
		near: near,
		far:  far,
		ch:   make(chan rawPacket, pcapReadChannelDepth),
		done: make(chan struct{}),
	}
	// Best-effort: kernel timestamps are a precision improvement, not a
	// correctness requirement, so a failure here does not abort capture.
	_ = enableKernelTimestamps(near.Fd())
	_ = enableKernelTimestamps(far.Fd())
	pio.wg.Add(2)
	go pio.readLoop(near, SideNear)
	go pio.readLoop(far, SideFar)
	return pio, nil
}

func (pio *PacketIOPcap) readLoop(handle *pcap.Handle, side Side) {
	defer pio.wg.Done()
	for {
		data, _, err := handle.ZeroCopyReadPacketData()
		if err != nil {
			select {
			case <-pio.done:
				return
			default:
			}
			continue
		}
		arrival := time.Now()
		payload := append([]byte(nil), data...)
		select {
		case pio.ch <- rawPacket{payload: payload, arrival: arrival, side: side}:
		case <-pio.done:
			return
		}
	}
}

// NextPacket implements [PacketIO].
func (pio *PacketIOPcap) NextPacket(ctx context.Context) ([]byte, time.Time, Side, error) {
	select {
	case p := <-pio.ch:
		return p.payload, p.arrival, p.side, nil
	case <-pio.done:
		return nil, time.Time{}, SideNear, ErrShimClosed
	case <-ctx.Done():
		return nil, time.Time{}, SideNear, ctx.Err()
	}
}

func (pio *PacketIOPcap) handleFor(side Side) *pcap.Handle {
	if side == SideNear {
		return pio.near
	}
	return pio.far
}

// Forward implements [PacketIO].
func (pio *PacketIOPcap) Forward(payload []byte, egressSide Side) error {
	return pio.handleFor(egressSide).WritePacketData(payload)
}

// Inject implements [PacketIO]. At the wire level an injected copy is
// written exactly like a forwarded one (spec §4.1: "injected packets must
// be indistinguishable from forwarded ones at the IP layer").
func (pio *PacketIOPcap) Inject(payload []byte, egressSide Side) error {
	return pio.handleFor(egressSide).WritePacketData(payload)
}

// Close implements [PacketIO].
func (pio *PacketIOPcap) Close() error {
	pio.closeOnce.Do(func() {
		close(pio.done)
		pio.near.Close()
		pio.far.Close()
	})
	pio.wg.Wait()
	return nil
}

// TracePacket is one scripted arrival for [NewFakePacketIO], used by tests
// and offline trace replay to drive the engine deterministically.
type TracePacket struct {
	Payload []byte
	Arrival time.Time
	Side    Side
}

// ErrFakePacketIOExhausted is returned by FakePacketIO.NextPacket once
// every scripted packet has been delivered.
var ErrFakePacketIOExhausted = errors.New("pemi: fake packet I/O: trace exhausted")

// FakePacketIO is a deterministic, in-memory [PacketIO] that replays a
// fixed trace and records every forwarded and injected packet, so tests
// can assert on both without a real link (spec §8's scenarios run
// entirely against this implementation).
type FakePacketIO struct {
	mu        sync.Mutex
	trace     []TracePacket
	idx       int
	forwarded []TracePacket
	injected  []TracePacket
	closed    bool
}

var _ PacketIO = &FakePacketIO{}

// NewFakePacketIO creates a FakePacketIO that will replay trace in order.
func NewFakePacketIO(trace []TracePacket) *FakePacketIO {
	return &FakePacketIO{trace: trace}
}

// NextPacket implements [PacketIO].
func (f *FakePacketIO) NextPacket(ctx context.Context) ([]byte, time.Time, Side, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, time.Time{}, SideNear, ErrShimClosed
	}
	if f.idx >= len(f.trace) {
		return nil, time.Time{}, SideNear, ErrFakePacketIOExhausted
	}
	p := f.trace[f.idx]
	f.idx++
	return p.Payload, p.Arrival, p.Side, nil
}

// Forward implements [PacketIO].
func (f *FakePacketIO) Forward(payload []byte, egressSide Side) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, TracePacket{Payload: payload, Side: egressSide})
	return nil
}

// Inject implements [PacketIO].
func (f *FakePacketIO) Inject(payload []byte, egressSide Side) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, TracePacket{Payload: payload, Side: egressSide})
	return nil
}

// Close implements [PacketIO].
func (f *FakePacketIO) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Forwarded returns every packet handed to Forward so far.
func (f *FakePacketIO) Forwarded() []TracePacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TracePacket{}, f.forwarded...)
}

// Injected returns every packet handed to Inject so far.
func (f *FakePacketIO) Injected() []TracePacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TracePacket{}, f.injected...)
}
