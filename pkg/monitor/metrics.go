// Package monitor holds the prometheus metrics the daemon exposes under
// /metrics. Counters mirror the block parser's stats so a scrape shows
// decode health without log access.
package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	// Stream metrics
	BytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bmvd_serial_bytes_read_total",
		Help: "Bytes read from the battery monitor stream",
	})

	BlocksDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bmvd_blocks_decoded_total",
		Help: "Blocks that passed checksum validation and were decoded",
	})

	ChecksumErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bmvd_checksum_errors_total",
		Help: "Candidate blocks discarded due to a checksum mismatch",
	})

	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bmvd_field_decode_errors_total",
		Help: "Fields dropped because their value failed to decode",
	})

	DiscardedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bmvd_buffer_discarded_bytes_total",
		Help: "Buffered bytes dropped while the stream was not framing",
	})

	// Reader state
	ReaderRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bmvd_reader_running",
		Help: "1 while the acquisition loop is running, 0 otherwise",
	})

	LastBlockTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bmvd_last_block_timestamp_seconds",
		Help: "Unix timestamp of the most recently decoded block",
	})

	// Webserver state
	WebsocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bmvd_websocket_clients",
		Help: "Currently connected websocket clients",
	})
)

func init() {
	prometheus.MustRegister(
		BytesRead,
		BlocksDecoded,
		ChecksumErrors,
		DecodeErrors,
		DiscardedBytes,
		ReaderRunning,
		LastBlockTime,
		WebsocketClients,
	)
}
