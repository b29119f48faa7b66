package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agrolink/relay/internal/events"
	"agrolink/relay/internal/fanout"
	"agrolink/relay/internal/metrics"
	"agrolink/relay/internal/model"
)

type fakeStore struct {
	mu        sync.Mutex
	readings  []model.SensorReading
	gateway   string
	insertErr error
}

func (f *fakeStore) Insert(_ context.Context, r model.SensorReading) (model.SensorReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return model.SensorReading{}, f.insertErr
	}
	r.ID = int64(len(f.readings) + 1)
	r.CreatedAt = time.Now()
	f.readings = append(f.readings, r)
	return r, nil
}

func (f *fakeStore) SetGatewayAddress(_ context.Context, ip string) (model.GatewayInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gateway = ip
	return model.GatewayInfo{IP: ip, UpdatedAt: time.Now()}, nil
}

type published struct {
	event string
	data  any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, eventType string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{event: eventType, data: data})
	return p.err
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.event)
	}
	return out
}

func newTestService() (*Service, *fakeStore, *fakePublisher) {
	st := &fakeStore{}
	pub := &fakePublisher{}
	return NewService(st, pub, zap.NewNop()), st, pub
}

func TestIngest_SpanishAliases(t *testing.T) {
	svc, st, pub := newTestService()

	res, err := svc.Ingest(context.Background(), []byte(`{"temperatura":23.5,"humedad":60,"nodeId":"n1"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, int64(1), res.ID)

	require.Len(t, st.readings, 1)
	r := st.readings[0]
	assert.Equal(t, "n1", r.NodeID)
	assert.Equal(t, 23.5, *r.Temperature)
	assert.Equal(t, 60.0, *r.Humidity)
	assert.Nil(t, r.SoilMoisture)

	assert.Equal(t, []string{events.NewReading, events.ReadingsUpdated}, pub.types())
}

func TestIngest_DefaultNode(t *testing.T) {
	svc, st, _ := newTestService()

	_, err := svc.Ingest(context.Background(), []byte(`{"temperature":21.0}`))
	require.NoError(t, err)
	require.Len(t, st.readings, 1)
	assert.Equal(t, model.DefaultNodeID, st.readings[0].NodeID)
}

func TestIngest_GatewayUpdate(t *testing.T) {
	svc, st, pub := newTestService()

	res, err := svc.Ingest(context.Background(), []byte(`{"nodeId":"gateway","ip":"1.2.3.4"}`))
	require.NoError(t, err)
	assert.True(t, res.Gateway)
	assert.Zero(t, res.ID)

	assert.Equal(t, "1.2.3.4", st.gateway)
	assert.Empty(t, st.readings, "gateway updates are never stored as readings")

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.GatewayAddress, pub.events[0].event)
	assert.Equal(t, events.GatewayPayload{IP: "1.2.3.4"}, pub.events[0].data)
}

func TestIngest_LocationBroadcast(t *testing.T) {
	svc, _, pub := newTestService()

	_, err := svc.Ingest(context.Background(), []byte(`{"nodeId":"n3","lat":4.6,"lng":-74.08,"t":19}`))
	require.NoError(t, err)

	assert.Equal(t, []string{events.NewReading, events.ReadingsUpdated, events.NodeLocation}, pub.types())
	assert.Equal(t, model.Location{NodeID: "n3", Lat: 4.6, Lon: -74.08}, pub.events[2].data)
}

func TestIngest_ClientErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"whitespace", "   "},
		{"invalid json", "{temp:"},
		{"array", `[1,2]`},
		{"null", `null`},
		{"metadata only", `{"nodeId":"n1","timestamp":1700000000}`},
		{"gateway without address", `{"nodeId":"gateway"}`},
		{"only passthrough values", `{"temp":"warm"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st, pub := newTestService()

			_, err := svc.Ingest(context.Background(), []byte(tt.body))

			var ce *ClientInputError
			require.ErrorAs(t, err, &ce)
			assert.NotEmpty(t, ce.Message)
			assert.Empty(t, st.readings)
			assert.Empty(t, st.gateway)
			assert.Empty(t, pub.events)
		})
	}
}

func TestIngest_MissingFieldsMessage(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.Ingest(context.Background(), []byte(`{"nodeId":"n1"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature")
	assert.Contains(t, err.Error(), "humidity")
}

func TestIngest_StoreFailure(t *testing.T) {
	svc, st, pub := newTestService()
	st.insertErr = errors.New("database is locked")

	_, err := svc.Ingest(context.Background(), []byte(`{"temp":20}`))
	require.Error(t, err)

	var ce *ClientInputError
	assert.False(t, errors.As(err, &ce))
	assert.Empty(t, pub.events)
}

func TestIngest_BroadcastFailureDoesNotFailRequest(t *testing.T) {
	svc, st, pub := newTestService()
	pub.err = errors.New("hub closed")

	res, err := svc.Ingest(context.Background(), []byte(`{"temp":20,"nodeId":"n1"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Len(t, st.readings, 1)
}

func TestIngest_BusyHubDropIsCountedOnce(t *testing.T) {
	hub := fanout.NewHub(nil)
	for {
		if err := hub.Publish(context.Background(), events.ReadingsUpdated, nil); err != nil {
			require.ErrorIs(t, err, fanout.ErrHubBusy)
			break
		}
	}
	svc := NewService(&fakeStore{}, hub, nil)

	dropped := metrics.BroadcastDropped.WithLabelValues(events.NewReading)
	before := testutil.ToFloat64(dropped)

	_, err := svc.Ingest(context.Background(), []byte(`{"temp":20,"nodeId":"n1"}`))
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(dropped))
}

func TestIngest_NilPublisher(t *testing.T) {
	st := &fakeStore{}
	svc := NewService(st, nil, nil)

	_, err := svc.Ingest(context.Background(), []byte(`{"lux":300}`))
	require.NoError(t, err)
	assert.Len(t, st.readings, 1)
}
