package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agrolink/relay/internal/events"
	"agrolink/relay/internal/model"
	"agrolink/relay/internal/store"
)

type fakeQueryStore struct {
	readings  []model.SensorReading
	gatewayIP string
	err       error

	lastLimit  int
	lastOffset int
	lastNode   string
	lastStart  time.Time
	lastEnd    time.Time
}

func (f *fakeQueryStore) ListRecent(ctx context.Context, limit int) ([]model.SensorReading, error) {
	return f.ListPaginated(ctx, limit, 0, "")
}

func (f *fakeQueryStore) ListPaginated(_ context.Context, limit, offset int, nodeID string) ([]model.SensorReading, error) {
	f.lastLimit, f.lastOffset, f.lastNode = limit, offset, nodeID
	if f.err != nil {
		return nil, f.err
	}
	out := []model.SensorReading{}
	for i := len(f.readings) - 1; i >= 0 && len(out) < limit; i-- {
		if nodeID == "" || f.readings[i].NodeID == nodeID {
			out = append(out, f.readings[i])
		}
	}
	return out, nil
}

func (f *fakeQueryStore) Count(_ context.Context, nodeID string) (int64, error) {
	var n int64
	for _, r := range f.readings {
		if nodeID == "" || r.NodeID == nodeID {
			n++
		}
	}
	return n, f.err
}

func (f *fakeQueryStore) ListByDateRange(_ context.Context, start, end time.Time) ([]model.SensorReading, error) {
	f.lastStart, f.lastEnd = start, end
	return []model.SensorReading{}, f.err
}

func (f *fakeQueryStore) AggregateStats(context.Context) (model.Stats, error) {
	return model.Stats{Total: int64(len(f.readings))}, f.err
}

func (f *fakeQueryStore) Delete(_ context.Context, id int64) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for i, r := range f.readings {
		if r.ID == id {
			f.readings = append(f.readings[:i], f.readings[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeQueryStore) GatewayAddress(context.Context) (model.GatewayInfo, error) {
	return model.GatewayInfo{IP: f.gatewayIP}, nil
}

type recordingPublisher struct {
	events []string
	data   []any
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, data any) error {
	p.events = append(p.events, eventType)
	p.data = append(p.data, data)
	return nil
}

func f64(v float64) *float64 { return &v }

func seeded(n int) *fakeQueryStore {
	st := &fakeQueryStore{gatewayIP: "10.0.0.9"}
	for i := 1; i <= n; i++ {
		node := "n1"
		if i%2 == 0 {
			node = "n2"
		}
		st.readings = append(st.readings, model.SensorReading{ID: int64(i), NodeID: node, Temperature: f64(float64(i))})
	}
	return st
}

func request(t *testing.T, eventType string, data any) events.Message {
	t.Helper()
	msg, err := events.NewMessage(eventType, data)
	require.NoError(t, err)
	return msg
}

func decodeData(t *testing.T, msg events.Message, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(msg.Data, v))
}

func TestInitial_LastTenAndGateway(t *testing.T) {
	st := seeded(15)
	r := NewRequests(st, nil, zap.NewNop(), time.UTC)

	msgs := r.Initial(context.Background())
	require.Len(t, msgs, 2)
	assert.Equal(t, events.InitialSnapshot, msgs[0].Type)
	assert.Equal(t, events.GatewayAddress, msgs[1].Type)

	var payload struct {
		Datos     []map[string]any `json:"datos"`
		GatewayIP string           `json:"gateway_ip"`
	}
	decodeData(t, msgs[0], &payload)
	require.Len(t, payload.Datos, InitialReadings)
	assert.EqualValues(t, 15, payload.Datos[0]["id"])
	assert.Equal(t, "10.0.0.9", payload.GatewayIP)
}

func TestHandle_Ping(t *testing.T) {
	r := NewRequests(seeded(0), nil, nil, nil)

	msgs := r.Handle(context.Background(), events.Message{Type: events.Ping})
	require.Len(t, msgs, 1)
	assert.Equal(t, events.Pong, msgs[0].Type)
}

func TestHandle_History(t *testing.T) {
	st := seeded(6)
	r := NewRequests(st, nil, nil, nil)

	msgs := r.Handle(context.Background(), request(t, events.HistoryRequest, map[string]any{"limit": 2, "offset": 0, "node_id": "n2"}))
	require.Len(t, msgs, 1)
	assert.Equal(t, events.HistoryResult, msgs[0].Type)

	var payload struct {
		Datos []map[string]any `json:"datos"`
		Total int64            `json:"total"`
	}
	decodeData(t, msgs[0], &payload)
	assert.Len(t, payload.Datos, 2)
	assert.Equal(t, int64(3), payload.Total)
	assert.Equal(t, "n2", st.lastNode)
}

func TestHandle_HistoryLimitBounds(t *testing.T) {
	tests := []struct {
		limit any
		want  int
	}{
		{nil, store.DefaultLimit},
		{0, store.DefaultLimit},
		{-5, store.DefaultLimit},
		{store.MaxLimit + 1, store.MaxLimit},
		{25, 25},
	}
	for _, tt := range tests {
		st := seeded(1)
		r := NewRequests(st, nil, nil, nil)

		data := map[string]any{}
		if tt.limit != nil {
			data["limit"] = tt.limit
		}
		msgs := r.Handle(context.Background(), request(t, events.HistoryRequest, data))
		require.Len(t, msgs, 1)
		assert.Equal(t, events.HistoryResult, msgs[0].Type)
		assert.Equal(t, tt.want, st.lastLimit, "limit %v", tt.limit)
	}
}

func TestHandle_HistoryRejectsNegativeOffset(t *testing.T) {
	r := NewRequests(seeded(1), nil, nil, nil)

	msgs := r.Handle(context.Background(), request(t, events.HistoryRequest, map[string]any{"offset": -1}))
	require.Len(t, msgs, 1)
	assert.Equal(t, events.Error, msgs[0].Type)
}

func TestHandle_DateFilter(t *testing.T) {
	st := seeded(1)
	r := NewRequests(st, nil, nil, time.UTC)

	msgs := r.Handle(context.Background(), request(t, events.DateFilterRequest, map[string]string{
		"fecha_inicio": "2025-03-01",
		"fecha_fin":    "2025-03-02",
	}))
	require.Len(t, msgs, 1)
	assert.Equal(t, events.DateFilterResult, msgs[0].Type)
	assert.JSONEq(t, `[]`, string(msgs[0].Data))

	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), st.lastStart)
	assert.Equal(t, time.Date(2025, 3, 2, 23, 59, 59, 999999999, time.UTC), st.lastEnd)
}

func TestHandle_DateFilterErrors(t *testing.T) {
	r := NewRequests(seeded(1), nil, nil, time.UTC)

	for name, data := range map[string]map[string]string{
		"missing end":  {"fecha_inicio": "2025-03-01"},
		"bad format":   {"fecha_inicio": "01/03/2025", "fecha_fin": "2025-03-02"},
		"end too soon": {"fecha_inicio": "2025-03-05", "fecha_fin": "2025-03-02"},
	} {
		t.Run(name, func(t *testing.T) {
			msgs := r.Handle(context.Background(), request(t, events.DateFilterRequest, data))
			require.Len(t, msgs, 1)
			assert.Equal(t, events.Error, msgs[0].Type)
		})
	}
}

func TestHandle_Stats(t *testing.T) {
	r := NewRequests(seeded(3), nil, nil, nil)

	msgs := r.Handle(context.Background(), events.Message{Type: events.StatsRequest})
	require.Len(t, msgs, 1)
	assert.Equal(t, events.StatsResult, msgs[0].Type)

	var stats model.Stats
	decodeData(t, msgs[0], &stats)
	assert.Equal(t, int64(3), stats.Total)
}

func TestHandle_DeleteBroadcastsOnSuccess(t *testing.T) {
	st := seeded(3)
	pub := &recordingPublisher{}
	r := NewRequests(st, pub, nil, nil)

	msgs := r.Handle(context.Background(), request(t, events.DeleteRequest, map[string]int64{"id": 2}))
	require.Len(t, msgs, 1)
	assert.Equal(t, events.ReadingDeleted, msgs[0].Type)
	assert.JSONEq(t, `{"id":2,"success":true}`, string(msgs[0].Data))

	assert.Equal(t, []string{events.ReadingDeleted}, pub.events)
	assert.Equal(t, events.DeletedPayload{ID: 2}, pub.data[0])

	msgs = r.Handle(context.Background(), request(t, events.DeleteRequest, map[string]int64{"id": 2}))
	assert.JSONEq(t, `{"id":2,"success":false}`, string(msgs[0].Data))
	assert.Len(t, pub.events, 1, "failed deletes are not broadcast")
}

func TestHandle_DeleteErrors(t *testing.T) {
	pub := &recordingPublisher{}
	st := seeded(1)
	r := NewRequests(st, pub, nil, nil)

	msgs := r.Handle(context.Background(), events.Message{Type: events.DeleteRequest, Data: json.RawMessage(`{}`)})
	assert.Equal(t, events.Error, msgs[0].Type)

	msgs = r.Handle(context.Background(), events.Message{Type: events.DeleteRequest, Data: json.RawMessage(`{"id":"abc"}`)})
	assert.Equal(t, events.Error, msgs[0].Type)

	st.err = errors.New("database is locked")
	msgs = r.Handle(context.Background(), request(t, events.DeleteRequest, map[string]int64{"id": 1}))
	assert.Equal(t, events.Error, msgs[0].Type)
	assert.Contains(t, string(msgs[0].Data), "database is locked")

	assert.Empty(t, pub.events)
}

func TestHandle_UnknownType(t *testing.T) {
	r := NewRequests(seeded(0), nil, nil, nil)

	msgs := r.Handle(context.Background(), events.Message{Type: "borrar_todo"})
	require.Len(t, msgs, 1)
	assert.Equal(t, events.Error, msgs[0].Type)
}

func TestParseDateBound(t *testing.T) {
	loc := time.FixedZone("COT", -5*3600)

	got, err := ParseDateBound("2025-03-01 08:30:00", false, loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 8, 30, 0, 0, loc), got)

	got, err = ParseDateBound("2025-03-01 08:30:00", true, loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 8, 30, 0, 0, loc), got, "explicit times are not extended")

	got, err = ParseDateBound("2025-03-01T08:30:00Z", false, loc)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)))

	_, err = ParseDateBound("yesterday", false, loc)
	assert.Error(t, err)
}
