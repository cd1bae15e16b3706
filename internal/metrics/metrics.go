package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Channel labels used across the bridge.
const (
	ChannelAudio   = "audio"
	ChannelVideo   = "video"
	ChannelScreen  = "screen"
	ChannelAudioIn = "audio_in"
)

// Drop reasons for outbound payloads.
const (
	ReasonSuperseded  = "superseded"
	ReasonUnavailable = "unavailable"
	ReasonExhausted   = "retries_exhausted"
	ReasonClosed      = "closed"
)

// Metrics holds the bridge's prometheus collectors.
type Metrics struct {
	// Outbound transport
	PayloadsSent    *prometheus.CounterVec
	PayloadsDropped *prometheus.CounterVec
	SendRetries     *prometheus.CounterVec
	SendFailures    *prometheus.CounterVec
	ConnectedPeers  *prometheus.GaugeVec

	// Inbound audio
	InboundAccepted prometheus.Counter
	InboundRejected *prometheus.CounterVec
	// MessagesIgnored counts consumer messages on channels that only send.
	MessagesIgnored *prometheus.CounterVec

	// Frames
	FramesEncoded *prometheus.CounterVec
	FramesInvalid *prometheus.CounterVec
	LiveFrames    prometheus.Gauge

	// Audio segmentation
	Participants     *prometheus.GaugeVec
	SpeechDecisions  *prometheus.CounterVec
	ChunksEmitted    prometheus.Counter
	ChunkSize        prometheus.Histogram
	ChunksDiscarded  prometheus.Counter
	ChunksArchived   prometheus.Counter
	ArchiveFailures  prometheus.Counter
	PendingAudioSize prometheus.Gauge
}

// New creates the collectors and registers them on reg. Tests pass a fresh
// prometheus.NewRegistry so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PayloadsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_payloads_sent_total",
			Help: "Payloads written to at least one connected peer",
		}, []string{"channel"}),
		PayloadsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_payloads_dropped_total",
			Help: "Outbound payloads dropped before delivery",
		}, []string{"channel", "reason"}),
		SendRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_send_retries_total",
			Help: "Send attempts repeated after a transport failure",
		}, []string{"channel"}),
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_send_failures_total",
			Help: "Send attempts that failed at the transport boundary",
		}, []string{"channel"}),
		ConnectedPeers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_connected_peers",
			Help: "Consumers currently connected per channel",
		}, []string{"channel"}),

		InboundAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_inbound_audio_accepted_total",
			Help: "Inbound audio messages converted to audio buffers",
		}),
		InboundRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_inbound_audio_rejected_total",
			Help: "Inbound audio messages rejected at the boundary",
		}, []string{"reason"}),
		MessagesIgnored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_ignored_messages_total",
			Help: "Consumer messages read and discarded on send-only channels",
		}, []string{"channel"}),

		FramesEncoded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_frames_encoded_total",
			Help: "Frames serialized to the wire format",
		}, []string{"channel"}),
		FramesInvalid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_frames_invalid_total",
			Help: "Frames skipped because their declared size did not match",
		}, []string{"channel"}),
		LiveFrames: f.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_live_frame_buffers",
			Help: "Frame buffers with at least one outstanding reference",
		}),

		Participants: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_participants",
			Help: "Participants in the current snapshot per modality",
		}, []string{"modality"}),
		SpeechDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_speech_flags_total",
			Help: "Per-participant speech flags joined onto audio ticks",
		}, []string{"speech"}),
		ChunksEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_audio_chunks_emitted_total",
			Help: "Utterance chunks emitted by the segmenter",
		}),
		ChunkSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_audio_chunk_size_bytes",
			Help:    "Size of emitted utterance chunks",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		ChunksDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_audio_partial_discarded_total",
			Help: "Partial utterances discarded at shutdown",
		}),
		ChunksArchived: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_audio_chunks_archived_total",
			Help: "Utterance chunks written to the on-disk archive",
		}),
		ArchiveFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_archive_failures_total",
			Help: "Archive writes that failed",
		}),
		PendingAudioSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_pending_audio_bytes",
			Help: "Bytes buffered by the segmenter awaiting a flush",
		}),
	}
}

// NewNop returns collectors registered on a private registry, for callers
// that do not expose metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
