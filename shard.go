package pemi

//
// Shard fan-out (spec §5: "shared-nothing sharding across N goroutines,
// each owning its own FlowTable, partitioned by a hash of the flow's
// addressing"). Grounded on the teacher's router.go: a single goroutine
// reads the shared transport and fans frames out to per-port queues,
// exactly the shape needed here to turn one shared [PacketIO] into
// cfg.ShardCount independent single-goroutine [Engine] pumps.
//

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shardPacketIO is one shard's private view of a transport shared by
// every shard: NextPacket reads from a queue the dispatcher goroutine
// feeds, while Forward and Inject write straight through to the shared
// transport, which every shard writes to concurrently.
type shardPacketIO struct {
	shared PacketIO
	in     chan rawPacket
	done   chan struct{}

	closeOnce sync.Once
}

var _ PacketIO = &shardPacketIO{}

func newShardPacketIO(shared PacketIO, depth int) *shardPacketIO {
	return &shardPacketIO{
		shared: shared,
		in:     make(chan rawPacket, depth),
		done:   make(chan struct{}),
	}
}

// NextPacket implements [PacketIO].
func (s *shardPacketIO) NextPacket(ctx context.Context) ([]byte, time.Time, Side, error) {
	select {
	case p := <-s.in:
		return p.payload, p.arrival, p.side, nil
	case <-s.done:
		// Packets queued before Close are still delivered.
		select {
		case p := <-s.in:
			return p.payload, p.arrival, p.side, nil
		default:
		}
		return nil, time.Time{}, SideNear, ErrShimClosed
	case <-ctx.Done():
		return nil, time.Time{}, SideNear, ctx.Err()
	}
}

// Forward implements [PacketIO] by delegating to the shared transport.
func (s *shardPacketIO) Forward(payload []byte, egressSide Side) error {
	return s.shared.Forward(payload, egressSide)
}

// Inject implements [PacketIO] by delegating to the shared transport.
func (s *shardPacketIO) Inject(payload []byte, egressSide Side) error {
	return s.shared.Inject(payload, egressSide)
}

// Close implements [PacketIO]. It only closes this shard's inbound
// queue; the shared transport outlives any individual shard.
func (s *shardPacketIO) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// shardKey hashes a captured frame's address pair to a shard index
// without a full QUIC parse, so dispatch stays cheap and every packet of
// a flow lands on the same shard regardless of direction or parse
// outcome (an unparseable frame always routes to shard 0, matching
// [DissectUDPDatagram]'s own fail-open behavior elsewhere).
func shardKey(payload []byte, shardCount int) int {
	dd, err := DissectUDPDatagram(payload)
	if err != nil {
		return 0
	}
	a, b := dd.SourceIP(), dd.DestIP()
	if b < a {
		a, b = b, a
	}
	h := xxhash.Sum64String(a + "|" + b)
	return int(h % uint64(shardCount))
}

// RunSharded partitions payload across cfg.ShardCount independent
// [Engine]s, each single-goroutine and shared-nothing (spec §5), and
// blocks until ctx is cancelled or a shard returns a fatal error. With
// cfg.ShardCount <= 1 it runs a single Engine directly against io, with
// no fan-out overhead.
func RunSharded(ctx context.Context, cfg *Config, io PacketIO, clock Clock, logger Logger, metrics *Metrics, obslog *ObservationLog) error {
	if logger == nil {
		logger = &noopLogger{}
	}
	if cfg.ShardCount <= 1 {
		return NewEngine(cfg, io, clock, logger, metrics, obslog).Run(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shardIO := make([]*shardPacketIO, cfg.ShardCount)
	engines := make([]*Engine, cfg.ShardCount)
	for i := range shardIO {
		shardIO[i] = newShardPacketIO(io, pcapReadChannelDepth)
		engines[i] = NewEngine(cfg, shardIO[i], clock, logger, metrics, obslog)
	}

	var wg sync.WaitGroup
	errs := make(chan error, cfg.ShardCount)
	for i, e := range engines {
		wg.Add(1)
		go func(e *Engine, sio *shardPacketIO) {
			defer wg.Done()
			err := e.Run(ctx)
			if err != nil {
				cancel() // one shard's fatal error stops every shard
			}
			errs <- err
		}(e, shardIO[i])
	}

	go func() {
		for {
			payload, arrival, side, err := io.NextPacket(ctx)
			if err != nil {
				for _, sio := range shardIO {
					sio.Close()
				}
				return
			}
			idx := shardKey(payload, cfg.ShardCount)
			select {
			case shardIO[idx].in <- rawPacket{payload: payload, arrival: arrival, side: side}:
			case <-ctx.Done():
				for _, sio := range shardIO {
					sio.Close()
				}
				return
			}
		}
	}()

	// Every shard's Engine.Run returns promptly once ctx is cancelled or
	// its shardPacketIO is closed, since handlePacket is synchronous and
	// there is no further in-flight work once NextPacket stops blocking;
	// drain_timeout_ms is the outer bound on how long shutdown waits for
	// that to actually happen before giving up on a stuck shard.
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-time.After(cfg.DrainTimeout):
		logger.Warnf("pemi: shard drain exceeded drain_timeout_ms, abandoning %d shard(s)", cfg.ShardCount)
	}

	var first error
	for i := 0; i < cfg.ShardCount; i++ {
		select {
		case err := <-errs:
			if first == nil && err != nil {
				first = err
			}
		default:
		}
	}
	return first
}
