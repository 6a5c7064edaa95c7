// Bmvdump replays a captured BMV-600S byte stream and prints every decoded
// block as JSON. Useful for inspecting data files recorded from the
// monitor's serial interface.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Taronyu/bmvd/pkg/bmv600s"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// readChunkSize matches the chunked reads the daemon performs, so a replay
// exercises the same incremental parsing.
const readChunkSize = 64

func main() {
	pretty := pflag.Bool("pretty", false, "indent the JSON output")
	stats := pflag.Bool("stats", false, "print parser statistics to stderr when done")
	pflag.Parse()

	if pflag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [--pretty] [--stats] FILE\n", os.Args[0])
		os.Exit(2)
	}

	// Keep parser diagnostics visible but off stdout.
	logrus.SetLevel(logrus.WarnLevel)

	if err := dump(pflag.Arg(0), *pretty, *stats); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dump(path string, pretty, stats bool) error {
	fin, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fin.Close()

	enc := json.NewEncoder(os.Stdout)
	if pretty {
		enc.SetIndent("", "  ")
	}

	parser := bmv600s.NewBlockParser()
	parser.OnBlock(func(snap *bmv600s.Snapshot) {
		enc.Encode(snap)
	})

	buf := make([]byte, readChunkSize)
	for {
		n, err := fin.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	if stats {
		s := parser.Stats()
		fmt.Fprintf(os.Stderr, "blocks: %d, checksum errors: %d, decode errors: %d, discarded bytes: %d\n",
			s.Blocks, s.ChecksumErrors, s.DecodeErrors, s.DiscardedBytes)
	}
	return nil
}
