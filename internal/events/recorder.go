package events

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"device-security-service/internal/bucketing"
	"device-security-service/internal/models"
	"device-security-service/internal/util"
)

// Recorder fans each security event out to every configured sink. The
// pipeline is best-effort: a failing sink is logged and skipped, and
// authentication never waits on it beyond the sink timeout.
type Recorder struct {
	sinks   []Sink
	buckets *bucketing.BucketingManager
	timeout time.Duration
	async   bool

	now func() time.Time
}

func NewRecorder(buckets *bucketing.BucketingManager, timeout time.Duration, async bool, sinks ...Sink) *Recorder {
	return &Recorder{
		sinks:   sinks,
		buckets: buckets,
		timeout: timeout,
		async:   async,
		now:     time.Now,
	}
}

// Record builds and dispatches one event. In async mode it returns
// immediately; otherwise it waits until every sink has been attempted.
func (r *Recorder) Record(ctx context.Context, eventType, deviceID, platform, details string) {
	now := r.now().UTC()

	event := &models.SecurityEvent{
		EventBucket: r.buckets.GetEventBucket(deviceID),
		DeviceID:    deviceID,
		EventDate:   r.buckets.GetDateBucket(now),
		EventTime:   now,
		EventType:   eventType,
		Platform:    platform,
		RiskScore:   riskScore(eventType),
		Details:     details,
	}

	if r.async {
		go r.dispatch(event)
		return
	}
	r.dispatch(event)
}

func (r *Recorder) dispatch(event *models.SecurityEvent) {
	// Detached from the request context: a cancelled request must not
	// drop the audit record.
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, sink := range r.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Record(ctx, event); err != nil {
				util.Warn("Security event sink failed",
					zap.String("sink", sink.Name()),
					zap.String("event_type", event.EventType),
					zap.String("device_id", event.DeviceID),
					zap.Error(err))
			}
			// Sink failures are absorbed so one bad sink does not
			// cancel the others.
			return nil
		})
	}
	_ = g.Wait()
}

func riskScore(eventType string) int {
	switch eventType {
	case models.EventLockoutEngaged:
		return 70
	case models.EventBiometricFailed:
		return 40
	case models.EventPINFailed:
		return 30
	case models.EventPINDeleted:
		return 20
	default:
		return 0
	}
}
