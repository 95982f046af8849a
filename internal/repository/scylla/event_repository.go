package scylla

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"device-security-service/internal/models"
	"device-security-service/internal/util"
)

// EventRepository persists security events to the audit table.
type EventRepository struct {
	client *ScyllaClient
}

func NewEventRepository(client *ScyllaClient, logger *zap.Logger) *EventRepository {
	return &EventRepository{
		client: client,
	}
}

func (r *EventRepository) InsertEvent(ctx context.Context, event *models.SecurityEvent) error {
	query := r.client.Prepared.InsertEvent.Bind(
		event.EventBucket, event.EventDate, event.EventTime, event.EventType,
		event.DeviceID, event.Platform, event.RiskScore, event.Details).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to insert security event",
			zap.String("event_type", event.EventType),
			zap.String("device_id", event.DeviceID),
			zap.Error(err))
		return fmt.Errorf("failed to insert security event: %w", err)
	}

	return nil
}

// ListEvents returns the audit trail for one event bucket on one date.
func (r *EventRepository) ListEvents(ctx context.Context, eventBucket int, eventDate string) ([]*models.SecurityEvent, error) {
	iter := r.client.Prepared.ListEvents.Bind(eventBucket, eventDate).WithContext(ctx).Iter()

	var events []*models.SecurityEvent
	for {
		event := &models.SecurityEvent{}
		if !iter.Scan(&event.EventBucket, &event.EventDate, &event.EventTime, &event.EventType,
			&event.DeviceID, &event.Platform, &event.RiskScore, &event.Details) {
			break
		}
		events = append(events, event)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list security events",
			zap.Int("event_bucket", eventBucket),
			zap.String("event_date", eventDate),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}

	return events, nil
}
