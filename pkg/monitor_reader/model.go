package monitor_reader

import (
	"context"
	"sync"

	"github.com/Taronyu/bmvd/pkg/bmv600s"
	"github.com/sirupsen/logrus"
)

// BatteryReader owns the connection to the battery monitor and runs the
// acquisition loop that turns its byte stream into published snapshots.
// One reader drives one source; the parser and its buffer belong to the
// loop goroutine alone.
type BatteryReader struct {
	source Source
	parser *bmv600s.BlockParser
	log    logrus.FieldLogger

	onSnapshot func(*bmv600s.Snapshot)

	mu      sync.RWMutex
	latest  *bmv600s.Snapshot
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}
