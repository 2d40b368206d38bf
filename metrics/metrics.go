package metrics

import (
	"errors"
	"sync"

	"msgboard/core"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "msgboard_messages_created_total", Help: "Messages accepted"},
	)
	MessagesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "msgboard_messages_deleted_total", Help: "Messages removed by request"},
	)
	MessagesTrimmed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "msgboard_messages_trimmed_total", Help: "Messages evicted by the capacity bound"},
	)
	AttachmentBytes = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "msgboard_attachment_bytes_total", Help: "Attachment bytes stored"},
	)
	UploadsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msgboard_uploads_rejected_total", Help: "Submissions refused"},
		[]string{"reason"},
	)
	Subscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "msgboard_subscribers", Help: "Live event subscribers"},
		[]string{"transport"},
	)
	EventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msgboard_events_delivered_total", Help: "Events written to subscribers"},
		[]string{"kind"},
	)
	SubscribersDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msgboard_subscribers_dropped_total", Help: "Subscribers removed by the hub"},
		[]string{"reason"},
	)
	BlobsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "msgboard_blobs_swept_total", Help: "Orphaned blobs removed by the janitor"},
	)
	BlobDeleteLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "msgboard_blob_delete_ms", Help: "Blob delete latency", Buckets: prometheus.ExponentialBuckets(1, 2, 12)},
	)
)

var once sync.Once

func Init() {
	once.Do(func() {
		prometheus.MustRegister(MessagesCreated)
		prometheus.MustRegister(MessagesDeleted)
		prometheus.MustRegister(MessagesTrimmed)
		prometheus.MustRegister(AttachmentBytes)
		prometheus.MustRegister(UploadsRejected)
		prometheus.MustRegister(Subscribers)
		prometheus.MustRegister(EventsDelivered)
		prometheus.MustRegister(SubscribersDropped)
		prometheus.MustRegister(BlobsSwept)
		prometheus.MustRegister(BlobDeleteLatency)
	})
}

// RejectUpload counts a refused submission by cause.
func RejectUpload(err error) {
	reason := "other"
	var validationErr *core.ValidationError
	switch {
	case errors.As(err, &validationErr):
		reason = "invalid"
	case errors.Is(err, core.ErrTooLarge):
		reason = "too_large"
	}
	UploadsRejected.WithLabelValues(reason).Inc()
}
