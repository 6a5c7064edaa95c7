// Package bmv600s decodes the serial text protocol of the Victron BMV-600S
// battery monitor. The monitor continuously emits blocks of tab separated
// field lines terminated by a checksum line; BlockParser reassembles and
// validates those blocks from an arbitrarily chunked byte stream.
package bmv600s

import (
	"bytes"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultMaxBufferSize bounds the bytes kept while waiting for a block
// boundary. A real block is well under 300 bytes, so hitting the bound
// means the stream is not framing (noise, wrong baud rate).
const DefaultMaxBufferSize = 1024

// checksumLabel terminates every block. The two bytes following it on the
// wire are the tab separator and the checksum byte itself.
var checksumLabel = []byte("Checksum")

// ParserStats counts parser events since construction or the last Reset.
type ParserStats struct {
	Blocks         int
	ChecksumErrors int
	DecodeErrors   int
	DiscardedBytes int
}

// BlockParser extracts validated blocks from a continuous byte stream and
// decodes them into snapshots. It keeps at most DefaultMaxBufferSize bytes
// buffered. Not safe for concurrent use; it is meant to be owned by a
// single reading goroutine.
type BlockParser struct {
	buf     bytes.Buffer
	maxSize int
	latest  *Snapshot
	stats   ParserStats
	onBlock func(*Snapshot)
	log     logrus.FieldLogger
}

func NewBlockParser() *BlockParser {
	return &BlockParser{
		maxSize: DefaultMaxBufferSize,
		log:     logrus.StandardLogger(),
	}
}

// SetLogger replaces the logger used for checksum and decode diagnostics.
func (p *BlockParser) SetLogger(log logrus.FieldLogger) {
	if log != nil {
		p.log = log
	}
}

// OnBlock registers fn to be called synchronously from Feed for every
// validated block, after the block became the latest snapshot.
func (p *BlockParser) OnBlock(fn func(*Snapshot)) {
	p.onBlock = fn
}

// Feed appends data to the internal buffer and extracts as many complete
// blocks as it now holds. It returns the number of blocks that passed
// checksum validation during this call; zero is common while a block is
// still arriving.
func (p *BlockParser) Feed(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	p.buf.Write(data)

	count := 0
	for {
		pos := bytes.Index(p.buf.Bytes(), checksumLabel)
		if pos == -1 {
			p.discardExcess()
			break
		}

		blockLen := pos + len(checksumLabel) + 2
		if p.buf.Len() < blockLen {
			// The checksum byte has not arrived yet. Keep the buffer
			// intact; the block may still complete.
			break
		}

		// Consume the candidate whether it validates or not. Retrying a
		// corrupt frame can never succeed and would stall the parser.
		block := p.buf.Next(blockLen)
		if !checksumOK(block) {
			p.stats.ChecksumErrors++
			p.log.Debugf("discarding block with bad checksum (%d bytes)", len(block))
			continue
		}

		snap := p.decodeBlock(block[:pos])
		p.latest = snap
		p.stats.Blocks++
		count++

		if p.onBlock != nil {
			p.onBlock(snap)
		}
	}
	return count
}

// TakeLatestSnapshot returns the most recently decoded snapshot, or nil if
// no block has validated since construction or the last Reset.
func (p *BlockParser) TakeLatestSnapshot() *Snapshot {
	return p.latest
}

// Reset drops all buffered bytes, the latest snapshot and the stats. Used
// when (re)starting acquisition.
func (p *BlockParser) Reset() {
	p.buf.Reset()
	p.latest = nil
	p.stats = ParserStats{}
}

// Stats returns the event counters accumulated so far.
func (p *BlockParser) Stats() ParserStats {
	return p.stats
}

// discardExcess drops the oldest bytes whenever the buffer reached its
// maximum without containing a checksum label. This keeps memory bounded
// on a stream that never frames while preserving recently arrived bytes
// that might still complete a block.
func (p *BlockParser) discardExcess() {
	for p.buf.Len() >= p.maxSize {
		p.buf.Next(p.maxSize)
		p.stats.DiscardedBytes += p.maxSize
		p.log.Debugf("discarded %d buffered bytes without a block boundary", p.maxSize)
	}
}

// checksumOK reports whether the block sums to zero mod 256. Every
// non-empty line contributes its whitespace stripped content plus a
// virtual CR LF pair standing in for the line terminator, regardless of
// the terminator bytes actually present. This matches the sum the monitor
// itself computes over its CR LF framed output.
func checksumOK(block []byte) bool {
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
	return sum == 0
}

// decodeBlock turns the payload of a validated block (everything before
// the checksum label) into a snapshot. Unknown field codes are passed
// through verbatim; a field that fails to decode is dropped while the rest
// of the block is kept.
func (p *BlockParser) decodeBlock(payload []byte) *Snapshot {
	snap := NewSnapshot()

	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		code, raw, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}

		desc, known := LookupField(code)
		if !known {
			snap.setExtra(code, raw)
			continue
		}
		if err := desc.Decode(snap, raw); err != nil {
			p.stats.DecodeErrors++
			p.log.Warnf("failed to decode %v", err)
		}
	}
	return snap
}
