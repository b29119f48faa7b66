// Package ingest turns raw reading payloads into stored readings and real-time events.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"agrolink/relay/internal/events"
	"agrolink/relay/internal/metrics"
	"agrolink/relay/internal/model"
	"agrolink/relay/internal/normalize"
)

// StatusOK is the status string returned for accepted payloads.
const StatusOK = "ok"

// ClientInputError reports a payload the caller must fix. No state was changed.
type ClientInputError struct {
	Message string
}

func (e *ClientInputError) Error() string {
	return e.Message
}

func clientError(format string, args ...any) error {
	return &ClientInputError{Message: fmt.Sprintf(format, args...)}
}

// Store is the persistence needed by the service.
type Store interface {
	Insert(ctx context.Context, r model.SensorReading) (model.SensorReading, error)
	SetGatewayAddress(ctx context.Context, ip string) (model.GatewayInfo, error)
}

// Result is returned for an accepted payload. ID is zero for gateway updates.
type Result struct {
	Status  string               `json:"status"`
	ID      int64                `json:"id,omitempty"`
	Gateway bool                 `json:"-"`
	Reading *model.SensorReading `json:"-"`
}

// Service validates, persists and publishes ingested payloads.
type Service struct {
	store     Store
	publisher events.Publisher
	logger    *zap.Logger
}

// NewService wires a service. publisher may be nil when nothing listens.
func NewService(store Store, publisher events.Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, publisher: publisher, logger: logger}
}

// Ingest decodes body as a JSON object and ingests it.
func (s *Service) Ingest(ctx context.Context, body []byte) (Result, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		metrics.RecordIngest(metrics.OutcomeRejected)
		return Result{}, clientError("no JSON body received")
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		metrics.RecordIngest(metrics.OutcomeRejected)
		return Result{}, clientError("invalid JSON body: expected an object")
	}

	return s.ingest(ctx, payload)
}

func (s *Service) ingest(ctx context.Context, payload map[string]any) (Result, error) {
	c := normalize.Normalize(payload)

	if c.IsGatewayUpdate() {
		return s.updateGateway(ctx, c.GatewayAddress)
	}

	if !c.HasTypedSensorValue() {
		metrics.RecordIngest(metrics.OutcomeRejected)
		return Result{}, clientError("missing fields: at least one of %s is required", strings.Join(sensorFieldNames(), ", "))
	}

	stored, err := s.store.Insert(ctx, c.Reading())
	if err != nil {
		metrics.RecordIngest(metrics.OutcomeFailed)
		s.logger.Error("failed to persist sensor reading", zap.String("node_id", c.NodeID), zap.Error(err))
		return Result{}, err
	}
	metrics.RecordIngest(metrics.OutcomeStored)

	s.logger.Debug("ingested sensor reading", zap.Int64("id", stored.ID), zap.String("node_id", stored.NodeID))

	s.publish(ctx, events.NewReading, stored)
	s.publish(ctx, events.ReadingsUpdated, stored)
	if stored.HasLocation() {
		s.publish(ctx, events.NodeLocation, model.Location{
			NodeID: stored.NodeID,
			Lat:    *stored.Latitude,
			Lon:    *stored.Longitude,
		})
	}

	return Result{Status: StatusOK, ID: stored.ID, Reading: &stored}, nil
}

func (s *Service) updateGateway(ctx context.Context, ip string) (Result, error) {
	info, err := s.store.SetGatewayAddress(ctx, ip)
	if err != nil {
		metrics.RecordIngest(metrics.OutcomeFailed)
		s.logger.Error("failed to update gateway address", zap.String("ip", ip), zap.Error(err))
		return Result{}, err
	}
	metrics.RecordIngest(metrics.OutcomeGateway)

	s.logger.Info("gateway address updated", zap.String("ip", info.IP))
	s.publish(ctx, events.GatewayAddress, events.GatewayPayload{IP: info.IP})

	return Result{Status: StatusOK, Gateway: true}, nil
}

// publish never fails the request; errors are logged and counted.
func (s *Service) publish(ctx context.Context, eventType string, data any) {
	if s.publisher == nil {
		return
	}
	// Dropped broadcasts are counted by the publisher.
	if err := s.publisher.Publish(ctx, eventType, data); err != nil {
		s.logger.Warn("broadcast failed", zap.String("event", eventType), zap.Error(err))
	}
}

func sensorFieldNames() []string {
	names := make([]string, 0, len(normalize.SensorFields))
	for _, f := range normalize.SensorFields {
		names = append(names, string(f))
	}
	return names
}
