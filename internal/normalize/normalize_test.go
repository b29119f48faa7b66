package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrolink/relay/internal/model"
)

func TestNormalize_AliasesResolveToSameField(t *testing.T) {
	for _, f := range SensorFields {
		for _, alias := range Aliases(f) {
			t.Run(string(f)+"/"+alias, func(t *testing.T) {
				c := Normalize(map[string]any{alias: 23.5})
				got := c.Float(f)
				require.NotNil(t, got)
				assert.Equal(t, 23.5, *got)
			})
		}
	}
}

func TestNormalize_FirstAliasWins(t *testing.T) {
	c := Normalize(map[string]any{"t": 10.0, "temp": 20.0, "temperature": 30.0})
	require.NotNil(t, c.Float(Temperature))
	assert.Equal(t, 30.0, *c.Float(Temperature))

	c = Normalize(map[string]any{"t": 10.0, "temp": 20.0})
	assert.Equal(t, 20.0, *c.Float(Temperature))
}

func TestNormalize_KeysAreCaseSensitive(t *testing.T) {
	c := Normalize(map[string]any{"Temperature": 21.0, "HUM": 40.0})
	assert.False(t, c.HasSensorValue())
}

func TestNormalize_DropsUnknownKeys(t *testing.T) {
	c := Normalize(map[string]any{"temperature": 21.0, "battery": 3.7, "mensaje": "hola"})
	m := c.Map()
	assert.Equal(t, map[string]any{"temperature": 21.0, "node_id": model.DefaultNodeID}, m)
}

func TestNormalize_NumericStringsAreCoerced(t *testing.T) {
	c := Normalize(map[string]any{"hum": " 55.5 "})
	v := c.Values[Humidity]
	assert.True(t, v.Typed)
	assert.Equal(t, 55.5, v.Float)
}

func TestNormalize_UnparsableValueIsPassedThrough(t *testing.T) {
	c := Normalize(map[string]any{"temp": "n/a", "hum": 40.0})

	v := c.Values[Temperature]
	assert.False(t, v.Typed)
	assert.Equal(t, "n/a", v.Raw)
	assert.Equal(t, "n/a", v.Interface())
	assert.Nil(t, c.Float(Temperature))
	assert.True(t, c.Has(Temperature))

	r := c.Reading()
	assert.Nil(t, r.Temperature)
	require.NotNil(t, r.Humidity)
	assert.Equal(t, 40.0, *r.Humidity)
}

func TestNormalize_NodeID(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{"missing", map[string]any{"temp": 1.0}, model.DefaultNodeID},
		{"camel", map[string]any{"nodeId": "n1"}, "n1"},
		{"snake", map[string]any{"node_id": "n2"}, "n2"},
		{"camel wins", map[string]any{"nodeId": "a", "node_id": "b"}, "a"},
		{"numeric mesh id", map[string]any{"nodeId": 2147483647.0}, "2147483647"},
		{"blank", map[string]any{"nodeId": "  "}, model.DefaultNodeID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.payload).NodeID)
		})
	}
}

func TestNormalize_Timestamp(t *testing.T) {
	c := Normalize(map[string]any{"timestamp": 1700000000.0})
	require.NotNil(t, c.Timestamp)
	assert.Equal(t, int64(1700000000), *c.Timestamp)

	c = Normalize(map[string]any{"timestamp": "soon"})
	assert.Nil(t, c.Timestamp)

	for _, out := range []any{1e300, -1e300, 9.3e18, "1e19"} {
		c = Normalize(map[string]any{"timestamp": out, "temperature": 20.0})
		assert.Nil(t, c.Timestamp, "%v", out)
	}
	c = Normalize(map[string]any{"timestamp": -5.0e9, "temperature": 20.0})
	require.NotNil(t, c.Timestamp)
	assert.Equal(t, int64(-5000000000), *c.Timestamp)
}

func TestCanonical_IsGatewayUpdate(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    bool
	}{
		{"gateway ip", map[string]any{"nodeId": "gateway", "ip": "1.2.3.4"}, true},
		{"case insensitive", map[string]any{"nodeId": "GateWay", "gatewayIP": "1.2.3.4"}, true},
		{"gateway without address", map[string]any{"nodeId": "gateway"}, false},
		{"gateway with sensor value", map[string]any{"nodeId": "gateway", "ip": "1.2.3.4", "temp": 20.0}, false},
		{"gateway with passthrough value", map[string]any{"nodeId": "gateway", "ip": "1.2.3.4", "temp": "x"}, false},
		{"other node with ip", map[string]any{"nodeId": "n1", "ip": "1.2.3.4"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.payload).IsGatewayUpdate())
		})
	}
}

func TestCanonical_HasTypedSensorValue(t *testing.T) {
	assert.False(t, Normalize(map[string]any{"temp": "bad"}).HasTypedSensorValue())
	assert.True(t, Normalize(map[string]any{"temp": "bad", "lux": 120.0}).HasTypedSensorValue())
}
