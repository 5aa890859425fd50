package analytics

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmill/insight/internal/predictor"
	"github.com/taskmill/insight/pkg/metrics"
)

// NotificationType tags the event kind.
type NotificationType string

const (
	NotifInitialized     NotificationType = "initialized"
	NotifModelsTrained   NotificationType = "models:trained"
	NotifTrainingError   NotificationType = "training:error"
	NotifPredictionError NotificationType = "prediction:error"
)

// TrainedEvent accompanies models:trained with both validation reports.
type TrainedEvent struct {
	Duration predictor.Report `json:"duration"`
	Failure  predictor.Report `json:"failure"`
	Samples  int              `json:"samples"`
}

// ErrorEvent accompanies the error notification types with the failing
// operation and its message.
type ErrorEvent struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

// Notification is a fire-and-forget event emitted by the engine. Exactly
// one of Trained/Error is set depending on Type.
type Notification struct {
	ID      string           `json:"id"`
	Type    NotificationType `json:"type"`
	At      time.Time        `json:"at"`
	Trained *TrainedEvent    `json:"trained,omitempty"`
	Error   *ErrorEvent      `json:"error,omitempty"`
}

// notificationBuffer is the channel capacity; a slow or absent subscriber
// loses events beyond it rather than stalling the engine.
const notificationBuffer = 64

// notifier fans notifications out to a single buffered channel with a
// strictly non-blocking send. Overflow drops the event, warns, and bumps a
// counter. Publish after Close is a silent no-op.
type notifier struct {
	log *zap.SugaredLogger

	mu     sync.Mutex
	ch     chan Notification
	closed bool
}

func newNotifier(log *zap.SugaredLogger) *notifier {
	return &notifier{
		log: log,
		ch:  make(chan Notification, notificationBuffer),
	}
}

func (n *notifier) channel() <-chan Notification { return n.ch }

func (n *notifier) publish(typ NotificationType, trained *TrainedEvent, errEvent *ErrorEvent) {
	event := Notification{
		ID:      uuid.NewString(),
		Type:    typ,
		At:      time.Now().UTC(),
		Trained: trained,
		Error:   errEvent,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.ch <- event:
	default:
		metrics.NotificationsDropped.Inc()
		n.log.Warnw("notification dropped, subscriber channel full", "type", typ)
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.ch)
}
