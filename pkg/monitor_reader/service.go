package monitor_reader

import (
	"context"
	"errors"
	"io"

	"github.com/Taronyu/bmvd/pkg/bmv600s"
	"github.com/Taronyu/bmvd/pkg/monitor"
	"github.com/sirupsen/logrus"
)

// readChunkSize caps a single read from the source. Small reads keep feed
// latency low and bound the work done between stop flag checks.
const readChunkSize = 64

// NewBatteryReader creates a reader for the given source. The logger may
// be nil, in which case the logrus standard logger is used.
func NewBatteryReader(source Source, log logrus.FieldLogger) *BatteryReader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	parser := bmv600s.NewBlockParser()
	parser.SetLogger(log)

	return &BatteryReader{
		source: source,
		parser: parser,
		log:    log,
	}
}

// OnSnapshot registers fn to be launched on its own goroutine for every
// published snapshot. Must be set before Start.
func (r *BatteryReader) OnSnapshot(fn func(*bmv600s.Snapshot)) {
	r.onSnapshot = fn
}

// Start opens the source and launches the acquisition loop. It fails when
// the reader is already running or when the source cannot be opened.
func (r *BatteryReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("reader is already running")
	}
	r.running = true
	r.mu.Unlock()

	// Open with the lock released; a slow transport open must not block
	// snapshot readers. The running flag reserves the reader meanwhile.
	conn, err := r.source.Open()
	if err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	// The previous run, if any, has fully wound down; the parser is ours
	// until the new loop goroutine takes over.
	r.parser.Reset()

	go r.readLoop(loopCtx, cancel, conn, done)
	return nil
}

// Stop signals the loop to exit at its next iteration boundary. It does
// not wait for the loop; use Done for join semantics. Safe to call
// repeatedly and before Start.
func (r *BatteryReader) Stop() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// Done returns the channel that is closed once the current acquisition
// run has fully wound down. It returns nil before the first Start.
func (r *BatteryReader) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.done
}

// CurrentSnapshot returns the most recently published snapshot, or nil
// while no block has been decoded yet.
func (r *BatteryReader) CurrentSnapshot() *bmv600s.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

func (r *BatteryReader) readLoop(ctx context.Context, cancel context.CancelFunc, conn io.ReadCloser, done chan struct{}) {
	r.log.Infof("Connected to battery monitor on %s", r.source.Name())
	monitor.ReaderRunning.Set(1)

	defer func() {
		conn.Close()
		// Release the run context even when the loop ends on its own,
		// so it does not stay registered with the parent.
		cancel()
		monitor.ReaderRunning.Set(0)
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.log.Info("Disconnected from battery monitor")
		close(done)
	}()

	buf := make([]byte, readChunkSize)
	var seen bmv600s.ParserStats

	for {
		if ctx.Err() != nil {
			r.log.Info("Stop signal received, disconnecting")
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			monitor.BytesRead.Add(float64(n))
			if r.parser.Feed(buf[:n]) > 0 {
				r.publish(r.parser.TakeLatestSnapshot())
			}
			seen = r.exportStats(seen)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.log.Info("Source stream ended, stopping reader")
			} else {
				r.log.Errorf("Failed to read from %s: %v", r.source.Name(), err)
			}
			return
		}
		// A read returning no bytes and no error is a timeout; loop
		// around and check the stop flag again.
	}
}

// publish makes snap the current snapshot and dispatches the snapshot
// callback. Only the loop goroutine calls this, so snapshots are published
// in strict decode order.
func (r *BatteryReader) publish(snap *bmv600s.Snapshot) {
	r.mu.Lock()
	r.latest = snap
	r.mu.Unlock()

	monitor.LastBlockTime.Set(float64(snap.Timestamp.Unix()))

	if r.onSnapshot != nil {
		go r.onSnapshot(snap)
	}
}

// exportStats pushes the parser counter deltas since prev into the process
// metrics and returns the current totals.
func (r *BatteryReader) exportStats(prev bmv600s.ParserStats) bmv600s.ParserStats {
	stats := r.parser.Stats()
	monitor.BlocksDecoded.Add(float64(stats.Blocks - prev.Blocks))
	monitor.ChecksumErrors.Add(float64(stats.ChecksumErrors - prev.ChecksumErrors))
	monitor.DecodeErrors.Add(float64(stats.DecodeErrors - prev.DecodeErrors))
	monitor.DiscardedBytes.Add(float64(stats.DiscardedBytes - prev.DiscardedBytes))
	return stats
}
