package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"device-security-service/internal/bucketing"
	"device-security-service/internal/config"
	"device-security-service/internal/models"
)

type captureSink struct {
	mu     sync.Mutex
	name   string
	err    error
	events []*models.SecurityEvent
}

func (s *captureSink) Name() string { return s.name }

func (s *captureSink) Record(ctx context.Context, event *models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testBuckets(t *testing.T) *bucketing.BucketingManager {
	t.Helper()
	cfg := &config.Config{}
	cfg.Bucketing.DeviceBuckets = 64
	cfg.Bucketing.EventBuckets = 16
	return bucketing.NewBucketingManager(cfg)
}

func TestRecordFansOutToAllSinks(t *testing.T) {
	first := &captureSink{name: "first"}
	second := &captureSink{name: "second"}
	recorder := NewRecorder(testBuckets(t), time.Second, false, first, second)

	recorder.Record(context.Background(), models.EventPINVerified, "device-1", "android", "")

	if first.count() != 1 || second.count() != 1 {
		t.Fatalf("sink counts = %d, %d; want 1, 1", first.count(), second.count())
	}

	event := first.events[0]
	if event.EventType != models.EventPINVerified {
		t.Fatalf("event type = %q", event.EventType)
	}
	if event.DeviceID != "device-1" {
		t.Fatalf("device id = %q", event.DeviceID)
	}
	if event.EventDate == "" || event.EventTime.IsZero() {
		t.Fatal("event date/time not stamped")
	}
	if event.EventBucket < 0 || event.EventBucket >= 16 {
		t.Fatalf("event bucket %d out of range", event.EventBucket)
	}
}

func TestFailingSinkDoesNotBlockOthers(t *testing.T) {
	broken := &captureSink{name: "broken", err: errors.New("sink down")}
	healthy := &captureSink{name: "healthy"}
	recorder := NewRecorder(testBuckets(t), time.Second, false, broken, healthy)

	recorder.Record(context.Background(), models.EventPINFailed, "device-1", "android", "")

	if healthy.count() != 1 {
		t.Fatalf("healthy sink count = %d, want 1", healthy.count())
	}
}

func TestRiskScores(t *testing.T) {
	sink := &captureSink{name: "capture"}
	recorder := NewRecorder(testBuckets(t), time.Second, false, sink)
	ctx := context.Background()

	recorder.Record(ctx, models.EventLockoutEngaged, "device-1", "", "")
	recorder.Record(ctx, models.EventPINFailed, "device-1", "", "")
	recorder.Record(ctx, models.EventPINVerified, "device-1", "", "")

	scores := []int{sink.events[0].RiskScore, sink.events[1].RiskScore, sink.events[2].RiskScore}
	want := []int{70, 30, 0}
	for i := range want {
		if scores[i] != want[i] {
			t.Fatalf("risk score %d = %d, want %d", i, scores[i], want[i])
		}
	}
}

func TestRecordSurvivesCancelledRequestContext(t *testing.T) {
	sink := &captureSink{name: "capture"}
	recorder := NewRecorder(testBuckets(t), time.Second, false, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	recorder.Record(ctx, models.EventPINSetup, "device-1", "ios", "")

	if sink.count() != 1 {
		t.Fatal("event dropped because the request context was cancelled")
	}
}
