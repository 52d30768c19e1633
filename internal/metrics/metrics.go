// Package metrics exposes the Prometheus instrumentation for the relay
// hub: dedup cache sizes, FAS evictions, block fan-out timings, and
// per-peer queue pressure.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlockDuplicatesIgnored tracks blocks dropped by the dedup layer, by source.
	BlockDuplicatesIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_block_duplicates_ignored_total",
			Help: "Blocks dropped because they were already relayed/seen, by source.",
		},
		[]string{"source"},
	)

	// BlocksRelayed tracks blocks that completed fan-out, by source.
	BlocksRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_blocks_relayed_total",
			Help: "Blocks accepted and fanned out, by source.",
		},
		[]string{"source"},
	)

	// BlocksInsane tracks blocks rejected by the sanity check, by source.
	BlocksInsane = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_blocks_insane_total",
			Help: "Blocks rejected by the sanity predicate, by source.",
		},
		[]string{"source"},
	)

	// BlockFanoutDuration tracks time from read-start to fan-out-done.
	BlockFanoutDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_block_fanout_duration_seconds",
			Help:    "Time from block read start to fan-out completion.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// BlockDecodeDuration tracks relay-codec decompression time.
	BlockDecodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_block_decode_duration_seconds",
			Help:    "Time spent decompressing an inbound BLOCK message.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peer"},
	)

	// BlockBytes tracks compressed vs. uncompressed block sizes.
	BlockBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_block_bytes",
			Help:    "Block size in bytes, compressed and uncompressed.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 12),
		},
		[]string{"form"}, // "compressed" | "uncompressed"
	)

	// DeduplicationCacheSize tracks the current size of a named dedup set.
	DeduplicationCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_dedup_cache_size",
			Help: "Current number of entries in a named deduplication set.",
		},
		[]string{"set"},
	)

	// PeerCount tracks the current size of the relay-peer roster.
	PeerCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_peer_count",
			Help: "Current number of relay peers in the roster.",
		},
	)

	// PeerQueueBytes tracks each peer's total_waiting_size.
	PeerQueueBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_peer_queue_bytes",
			Help: "Bytes currently queued in a peer's outbound send queue.",
		},
		[]string{"peer"},
	)

	// PeerDrops tracks messages dropped for back-pressure or admission reasons.
	PeerDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_peer_drops_total",
			Help: "Outbound messages dropped per peer, by reason.",
		},
		[]string{"reason"},
	)

	// FASEvictions tracks flagged-array-set FIFO evictions.
	FASEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_fas_evictions_total",
			Help: "Flagged array set evictions, by cache (send/recv) and quota (total/oversize).",
		},
		[]string{"cache", "quota"},
	)

	// HandshakeResults tracks version-handshake outcomes.
	HandshakeResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_handshake_results_total",
			Help: "Version handshake outcomes.",
		},
		[]string{"result"}, // "ok" | "version_mismatch" | "protocol_error"
	)
)
