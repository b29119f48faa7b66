package fanout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"agrolink/relay/internal/events"
	"agrolink/relay/internal/model"
	"agrolink/relay/internal/store"
)

// InitialReadings is the number of readings sent to a client when it connects.
const InitialReadings = 10

// QueryStore is the read and delete access needed to answer client requests.
type QueryStore interface {
	ListRecent(ctx context.Context, limit int) ([]model.SensorReading, error)
	ListPaginated(ctx context.Context, limit, offset int, nodeID string) ([]model.SensorReading, error)
	Count(ctx context.Context, nodeID string) (int64, error)
	ListByDateRange(ctx context.Context, start, end time.Time) ([]model.SensorReading, error)
	AggregateStats(ctx context.Context) (model.Stats, error)
	Delete(ctx context.Context, id int64) (bool, error)
	GatewayAddress(ctx context.Context) (model.GatewayInfo, error)
}

// InitialPayload is sent with the InitialSnapshot event.
type InitialPayload struct {
	Datos     []model.SensorReading `json:"datos"`
	GatewayIP string                `json:"gateway_ip"`
}

// HistoryPayload answers a history request.
type HistoryPayload struct {
	Datos []model.SensorReading `json:"datos"`
	Total int64                 `json:"total"`
}

type historyRequest struct {
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	NodeID string `json:"node_id"`
}

type dateFilterRequest struct {
	Start string `json:"fecha_inicio"`
	End   string `json:"fecha_fin"`
}

type deleteRequest struct {
	ID *int64 `json:"id"`
}

// Requests answers client requests from the store. Deletions are announced to every
// client through the publisher.
type Requests struct {
	store     QueryStore
	publisher events.Publisher
	logger    *zap.Logger
	loc       *time.Location
}

// NewRequests builds a request handler. Date filters without a zone are read in loc;
// nil means the local zone.
func NewRequests(st QueryStore, publisher events.Publisher, logger *zap.Logger, loc *time.Location) *Requests {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Requests{store: st, publisher: publisher, logger: logger.Named("requests"), loc: loc}
}

// Initial returns the snapshot sent to a newly connected client.
func (r *Requests) Initial(ctx context.Context) []events.Message {
	recent, err := r.store.ListRecent(ctx, InitialReadings)
	if err != nil {
		r.logger.Error("failed to load initial readings", zap.Error(err))
		return []events.Message{errorMessage(err.Error())}
	}

	info, err := r.store.GatewayAddress(ctx)
	if err != nil {
		r.logger.Error("failed to load gateway address", zap.Error(err))
	}

	return []events.Message{
		mustMessage(events.InitialSnapshot, InitialPayload{Datos: recent, GatewayIP: info.IP}),
		mustMessage(events.GatewayAddress, events.GatewayPayload{IP: info.IP}),
	}
}

// Handle dispatches one request.
func (r *Requests) Handle(ctx context.Context, msg events.Message) []events.Message {
	switch msg.Type {
	case events.Ping:
		return []events.Message{{Type: events.Pong}}
	case events.HistoryRequest:
		return r.history(ctx, msg.Data)
	case events.DateFilterRequest:
		return r.dateFilter(ctx, msg.Data)
	case events.StatsRequest:
		return r.stats(ctx)
	case events.DeleteRequest:
		return r.delete(ctx, msg.Data)
	default:
		return []events.Message{errorMessage(fmt.Sprintf("unknown request type %q", msg.Type))}
	}
}

func (r *Requests) history(ctx context.Context, data json.RawMessage) []events.Message {
	var req historyRequest
	if err := decode(data, &req); err != nil {
		return []events.Message{errorMessage(err.Error())}
	}
	if req.Offset < 0 {
		return []events.Message{errorMessage("offset must not be negative")}
	}
	switch {
	case req.Limit <= 0:
		req.Limit = store.DefaultLimit
	case req.Limit > store.MaxLimit:
		req.Limit = store.MaxLimit
	}

	rows, err := r.store.ListPaginated(ctx, req.Limit, req.Offset, req.NodeID)
	if err != nil {
		return []events.Message{errorMessage(err.Error())}
	}
	total, err := r.store.Count(ctx, req.NodeID)
	if err != nil {
		return []events.Message{errorMessage(err.Error())}
	}

	return []events.Message{mustMessage(events.HistoryResult, HistoryPayload{Datos: rows, Total: total})}
}

func (r *Requests) dateFilter(ctx context.Context, data json.RawMessage) []events.Message {
	var req dateFilterRequest
	if err := decode(data, &req); err != nil {
		return []events.Message{errorMessage(err.Error())}
	}
	if req.Start == "" || req.End == "" {
		return []events.Message{errorMessage("fecha_inicio and fecha_fin are required")}
	}

	start, err := ParseDateBound(req.Start, false, r.loc)
	if err != nil {
		return []events.Message{errorMessage(err.Error())}
	}
	end, err := ParseDateBound(req.End, true, r.loc)
	if err != nil {
		return []events.Message{errorMessage(err.Error())}
	}
	if end.Before(start) {
		return []events.Message{errorMessage("fecha_fin is before fecha_inicio")}
	}

	rows, err := r.store.ListByDateRange(ctx, start, end)
	if err != nil {
		return []events.Message{errorMessage(err.Error())}
	}
	return []events.Message{mustMessage(events.DateFilterResult, rows)}
}

func (r *Requests) stats(ctx context.Context) []events.Message {
	stats, err := r.store.AggregateStats(ctx)
	if err != nil {
		return []events.Message{errorMessage(err.Error())}
	}
	return []events.Message{mustMessage(events.StatsResult, stats)}
}

func (r *Requests) delete(ctx context.Context, data json.RawMessage) []events.Message {
	var req deleteRequest
	if err := decode(data, &req); err != nil {
		return []events.Message{errorMessage(err.Error())}
	}
	if req.ID == nil {
		return []events.Message{errorMessage("id is required")}
	}
	id := *req.ID

	ok, err := r.store.Delete(ctx, id)
	if err != nil {
		return []events.Message{errorMessage(err.Error())}
	}

	if ok {
		r.logger.Info("reading deleted by client request", zap.Int64("id", id))
		if r.publisher != nil {
			if err := r.publisher.Publish(ctx, events.ReadingDeleted, events.DeletedPayload{ID: id}); err != nil {
				r.logger.Warn("broadcast failed", zap.String("event", events.ReadingDeleted), zap.Error(err))
			}
		}
	}

	return []events.Message{mustMessage(events.ReadingDeleted, events.DeletedPayload{ID: id, Success: &ok})}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed request data: %w", err)
	}
	return nil
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

// ParseDateBound parses a date filter bound. A date-only end bound covers the whole day.
func ParseDateBound(s string, end bool, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			continue
		}
		if layout == "2006-01-02" && end {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD, YYYY-MM-DD HH:MM:SS or RFC3339", s)
}

func errorMessage(message string) events.Message {
	return mustMessage(events.Error, events.ErrorPayload{Message: message})
}

// mustMessage encodes payload types that cannot fail to marshal.
func mustMessage(eventType string, data any) events.Message {
	msg, err := events.NewMessage(eventType, data)
	if err != nil {
		return events.Message{Type: events.Error}
	}
	return msg
}
