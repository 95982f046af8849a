package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"device-security-service/internal/client"
	"device-security-service/internal/models"
	"device-security-service/internal/repository/scylla"
)

// Sink is one destination for security events.
type Sink interface {
	Name() string
	Record(ctx context.Context, event *models.SecurityEvent) error
}

// KafkaSink publishes events to the security events topic, keyed by
// device so per-device ordering is preserved.
type KafkaSink struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaSink(producer *client.KafkaProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Record(ctx context.Context, event *models.SecurityEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(event.DeviceID), value, map[string]string{
		"event_type": event.EventType,
	})
}

// ClickHouseSink inserts events into the analytics table.
type ClickHouseSink struct {
	ch    *client.ClickHouseClient
	table string
}

func NewClickHouseSink(ch *client.ClickHouseClient, table string) *ClickHouseSink {
	return &ClickHouseSink{ch: ch, table: table}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Record(ctx context.Context, event *models.SecurityEvent) error {
	query := fmt.Sprintf(`INSERT INTO %s (
        event_bucket, device_id, event_date, event_time,
        event_type, platform, risk_score, details)`, s.table)

	return s.ch.BatchInsert(ctx, query, [][]interface{}{{
		event.EventBucket, event.DeviceID, event.EventDate, event.EventTime,
		event.EventType, event.Platform, event.RiskScore, event.Details,
	}})
}

// ESSink indexes events for investigation search.
type ESSink struct {
	es    *client.ESClient
	index string
}

func NewESSink(es *client.ESClient, index string) *ESSink {
	return &ESSink{es: es, index: index}
}

func (s *ESSink) Name() string { return "elasticsearch" }

func (s *ESSink) Record(ctx context.Context, event *models.SecurityEvent) error {
	res, err := s.es.IndexDocument(s.index, uuid.New().String(), event)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch index error: %s", res.String())
	}
	return nil
}

// ScyllaSink writes the durable audit trail row.
type ScyllaSink struct {
	repo *scylla.EventRepository
}

func NewScyllaSink(repo *scylla.EventRepository) *ScyllaSink {
	return &ScyllaSink{repo: repo}
}

func (s *ScyllaSink) Name() string { return "scylla" }

func (s *ScyllaSink) Record(ctx context.Context, event *models.SecurityEvent) error {
	return s.repo.InsertEvent(ctx, event)
}
