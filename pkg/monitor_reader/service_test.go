package monitor_reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/Taronyu/bmvd/pkg/bmv600s"
)

// fakeConn scripts a sequence of reads. A nil chunk models a timeout read
// (zero bytes, no error); once the script is exhausted every read returns
// final, or keeps timing out when final is nil.
type fakeConn struct {
	mu     sync.Mutex
	chunks [][]byte
	final  error
	closed bool
}

func (c *fakeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if len(c.chunks) == 0 {
		final := c.final
		c.mu.Unlock()
		if final == nil {
			time.Sleep(time.Millisecond)
			return 0, nil
		}
		return 0, final
	}
	chunk := c.chunks[0]
	c.chunks = c.chunks[1:]
	c.mu.Unlock()

	if chunk == nil {
		return 0, nil
	}
	return copy(p, chunk), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeSource hands out one scripted connection per Open call.
type fakeSource struct {
	mu      sync.Mutex
	conns   []*fakeConn
	openErr error
}

func (s *fakeSource) Open() (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	if len(s.conns) == 0 {
		return nil, errors.New("no scripted connection left")
	}
	conn := s.conns[0]
	s.conns = s.conns[1:]
	return conn, nil
}

func (s *fakeSource) Name() string {
	return "fake"
}

func scriptSource(final error, chunks ...[]byte) (*fakeSource, *fakeConn) {
	conn := &fakeConn{chunks: chunks, final: final}
	return &fakeSource{conns: []*fakeConn{conn}}, conn
}

// slowOpenSource parks Open until release is closed, signalling entry on
// the entered channel.
type slowOpenSource struct {
	entered chan struct{}
	release chan struct{}
	conn    *fakeConn
}

func (s *slowOpenSource) Open() (io.ReadCloser, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.conn, nil
}

func (s *slowOpenSource) Name() string {
	return "slow"
}

// bareContext is a minimal Context implementation. A context derived from
// it is watched by a dedicated goroutine that exits only once the derived
// context is cancelled, so an uncancelled run context shows up in the
// goroutine count.
type bareContext struct {
	done chan struct{}
}

func (c bareContext) Deadline() (time.Time, bool) { return time.Time{}, false }

func (c bareContext) Done() <-chan struct{} { return c.done }

func (c bareContext) Err() error { return nil }

func (c bareContext) Value(key any) any { return nil }

// makeBlock appends a checksum line so the block validates.
func makeBlock(t *testing.T, payload string) []byte {
	t.Helper()

	block := []byte(payload + "Checksum\t\x00")
	var sum byte
	for _, line := range bytes.Split(block, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		for _, b := range line {
			sum += b
		}
		sum += 0x0d + 0x0a
	}

	check := -sum
	switch check {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		t.Fatalf("fixture needs whitespace checksum byte %#x, adjust the payload", check)
	}
	block[len(block)-1] = check
	return block
}

func waitDone(t *testing.T, r *BatteryReader) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop in time")
	}
}

func TestReaderPublishesFromSource(t *testing.T) {
	// Deliver the block in two pieces with a timeout read in between.
	block := []byte("V\t12800\r\nI\t-1000\r\nChecksum\t\xe5")
	src, conn := scriptSource(io.EOF, block[:10], nil, block[10:])

	r := NewBatteryReader(src, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, r)

	snap := r.CurrentSnapshot()
	if snap == nil {
		t.Fatal("CurrentSnapshot is nil after a decoded block")
	}
	if snap.Voltage != 12800 || snap.Current != -1000 {
		t.Errorf("snapshot has V %d / I %d, want 12800 / -1000", snap.Voltage, snap.Current)
	}
	if !conn.wasClosed() {
		t.Error("connection was not closed on loop exit")
	}
}

func TestReaderStartFailsWhenOpenFails(t *testing.T) {
	src := &fakeSource{openErr: errors.New("no such device")}
	r := NewBatteryReader(src, nil)

	if err := r.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a failing source")
	}
	if r.CurrentSnapshot() != nil {
		t.Error("CurrentSnapshot must be nil after a failed start")
	}
	if r.Done() != nil {
		t.Error("Done must be nil after a failed start")
	}
}

func TestReaderStopIsIdempotent(t *testing.T) {
	src, _ := scriptSource(nil) // endless timeouts
	r := NewBatteryReader(src, nil)

	r.Stop() // before Start: no-op

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()
	r.Stop()
	waitDone(t, r)
	r.Stop() // after exit: still a no-op
}

func TestReaderRejectsDoubleStart(t *testing.T) {
	src, _ := scriptSource(nil)
	r := NewBatteryReader(src, nil)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Error("second Start succeeded while the loop is running")
	}

	r.Stop()
	waitDone(t, r)
}

func TestStartDoesNotBlockSnapshotReaders(t *testing.T) {
	src := &slowOpenSource{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		conn:    &fakeConn{final: io.EOF},
	}
	r := NewBatteryReader(src, nil)

	startErr := make(chan error, 1)
	go func() { startErr <- r.Start(context.Background()) }()

	select {
	case <-src.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Start never reached the source")
	}

	// With Start parked inside Open, snapshot reads must still return
	// right away; the lock covers only the pointer read.
	read := make(chan *bmv600s.Snapshot, 1)
	go func() { read <- r.CurrentSnapshot() }()
	select {
	case snap := <-read:
		if snap != nil {
			t.Errorf("CurrentSnapshot = %+v, want nil before any block", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CurrentSnapshot blocked while Start was opening the source")
	}

	// The reader is reserved for the whole of Start, opening included.
	if err := r.Start(context.Background()); err == nil {
		t.Error("second Start succeeded while the first was still opening")
	}

	close(src.release)
	if err := <-startErr; err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, r)
}

func TestReaderReleasesRunContext(t *testing.T) {
	parent := bareContext{done: make(chan struct{})}

	before := runtime.NumGoroutine()
	for i := 0; i < 8; i++ {
		src, _ := scriptSource(io.EOF, makeBlock(t, "V\t1\r\n"))
		r := NewBatteryReader(src, nil)
		if err := r.Start(parent); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		waitDone(t, r)
	}

	// Runs that ended on their own must have cancelled their contexts;
	// lingering watcher goroutines mean they did not.
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("%d goroutines before the runs, %d after; run contexts were not released",
				before, runtime.NumGoroutine())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReaderRestart(t *testing.T) {
	first := &fakeConn{chunks: [][]byte{makeBlock(t, "V\t1\r\n")}, final: io.EOF}
	second := &fakeConn{chunks: [][]byte{makeBlock(t, "V\t2\r\n")}, final: io.EOF}
	src := &fakeSource{conns: []*fakeConn{first, second}}

	r := NewBatteryReader(src, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	waitDone(t, r)
	if got := r.CurrentSnapshot().Voltage; got != 1 {
		t.Fatalf("Voltage after first run = %d, want 1", got)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	waitDone(t, r)
	if got := r.CurrentSnapshot().Voltage; got != 2 {
		t.Errorf("Voltage after second run = %d, want 2", got)
	}
}

func TestReaderOnSnapshotCallback(t *testing.T) {
	src, _ := scriptSource(io.EOF, makeBlock(t, "V\t12800\r\n"))
	r := NewBatteryReader(src, nil)

	got := make(chan *bmv600s.Snapshot, 1)
	r.OnSnapshot(func(s *bmv600s.Snapshot) { got <- s })

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, r)

	select {
	case snap := <-got:
		if snap.Voltage != 12800 {
			t.Errorf("callback snapshot Voltage = %d, want 12800", snap.Voltage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnSnapshot callback was not invoked")
	}
}

func TestReaderReadErrorEndsRun(t *testing.T) {
	src, conn := scriptSource(errors.New("input/output error"), makeBlock(t, "V\t1\r\n"))
	r := NewBatteryReader(src, nil)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, r)

	// The failure ends the run but the last snapshot stays available.
	if got := r.CurrentSnapshot(); got == nil || got.Voltage != 1 {
		t.Errorf("CurrentSnapshot = %+v, want the block decoded before the failure", got)
	}
	if !conn.wasClosed() {
		t.Error("connection was not closed after the read failure")
	}
}

func TestReaderSnapshotOrdering(t *testing.T) {
	var stream []byte
	for i := 1; i <= 40; i++ {
		stream = append(stream, makeBlock(t, fmt.Sprintf("SOC\t%d\r\n", i))...)
	}
	var chunks [][]byte
	for off := 0; off < len(stream); off += readChunkSize {
		end := off + readChunkSize
		if end > len(stream) {
			end = len(stream)
		}
		chunks = append(chunks, stream[off:end])
	}

	src, _ := scriptSource(io.EOF, chunks...)
	r := NewBatteryReader(src, nil)

	stopPolling := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for {
				select {
				case <-stopPolling:
					return
				default:
				}
				if snap := r.CurrentSnapshot(); snap != nil {
					if snap.StateOfCharge < last {
						t.Errorf("state of charge went backwards: %d after %d",
							snap.StateOfCharge, last)
						return
					}
					last = snap.StateOfCharge
				}
			}
		}()
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, r)
	close(stopPolling)
	wg.Wait()

	if got := r.CurrentSnapshot().StateOfCharge; got != 40 {
		t.Errorf("final StateOfCharge = %d, want 40", got)
	}
}

func TestReaderReplaysDataFile(t *testing.T) {
	var stream []byte
	stream = append(stream, makeBlock(t, "V\t1\r\n")...)
	stream = append(stream, makeBlock(t, "V\t2\r\nSOC\t845\r\n")...)

	path := filepath.Join(t.TempDir(), "capture.dat")
	if err := os.WriteFile(path, stream, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := NewBatteryReader(FileSource{Path: path}, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, r)

	snap := r.CurrentSnapshot()
	if snap == nil {
		t.Fatal("CurrentSnapshot is nil after replay")
	}
	if snap.Voltage != 2 || snap.StateOfCharge != 845 {
		t.Errorf("snapshot has V %d / SOC %d, want 2 / 845", snap.Voltage, snap.StateOfCharge)
	}
}

func TestFileSourceOpenFails(t *testing.T) {
	src := FileSource{Path: filepath.Join(t.TempDir(), "missing.dat")}
	if _, err := src.Open(); err == nil {
		t.Fatal("Open succeeded on a missing file")
	}
}
