// Package normalize maps the differently named keys sent by the various node firmwares
// onto one canonical reading.
package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"agrolink/relay/internal/model"
)

// Field names a canonical sensor-value key.
type Field string

const (
	Temperature     Field = "temperature"
	Humidity        Field = "humidity"
	SoilMoisture    Field = "soil_moisture"
	Light           Field = "light"
	LightPercentage Field = "light_percentage"
	Latitude        Field = "latitude"
	Longitude       Field = "longitude"
)

// SensorFields lists the sensor-value fields in their canonical order.
var SensorFields = []Field{Temperature, Humidity, SoilMoisture, Light, LightPercentage, Latitude, Longitude}

// Keys outside the sensor-value set.
const (
	KeyNodeID         = "node_id"
	KeyTimestamp      = "timestamp"
	KeyGatewayAddress = "gateway_address"
)

// Alias lists are tried in order; the first key present in the payload wins.
var aliases = map[Field][]string{
	Temperature:     {"temperature", "temp", "t", "temperatura"},
	Humidity:        {"humidity", "hum", "h", "humedad"},
	SoilMoisture:    {"soil_moisture", "humedad_suelo", "soil", "moisture"},
	Light:           {"light", "luz", "lux", "l"},
	LightPercentage: {"light_percentage", "luz_porcentaje", "porcentaje", "percentage", "pct"},
	Latitude:        {"latitude", "latitud", "lat", "y"},
	Longitude:       {"longitude", "longitud", "lon", "lng", "x"},
}

var (
	nodeIDAliases    = []string{"nodeId", "node_id", "nodo"}
	timestampAliases = []string{"timestamp", "ts"}
	gatewayAliases   = []string{"gateway_address", "gateway_ip", "ip", "gatewayIP"}
)

// Aliases returns the alias list for f.
func Aliases(f Field) []string {
	out := make([]string, len(aliases[f]))
	copy(out, aliases[f])
	return out
}

// Value is a sensor field that either parsed as a number (Typed) or was kept as the raw
// payload value because it could not be converted.
type Value struct {
	Float float64
	Raw   any
	Typed bool
}

// Interface returns the float when typed, otherwise the raw value.
func (v Value) Interface() any {
	if v.Typed {
		return v.Float
	}
	return v.Raw
}

// Canonical is a payload reduced to the canonical key set.
type Canonical struct {
	Values         map[Field]Value
	NodeID         string
	Timestamp      *int64
	GatewayAddress string
}

// Normalize resolves aliases in payload. Unrecognised keys are dropped and the node id
// defaults to model.DefaultNodeID.
func Normalize(payload map[string]any) Canonical {
	c := Canonical{
		Values: make(map[Field]Value, len(SensorFields)),
		NodeID: model.DefaultNodeID,
	}

	for _, f := range SensorFields {
		raw, ok := first(payload, aliases[f])
		if !ok {
			continue
		}
		c.Values[f] = toValue(raw)
	}

	if raw, ok := first(payload, nodeIDAliases); ok {
		if id := strings.TrimSpace(toString(raw)); id != "" {
			c.NodeID = id
		}
	}

	if raw, ok := first(payload, timestampAliases); ok {
		if ts, ok := toInt64(raw); ok {
			c.Timestamp = &ts
		}
	}

	if raw, ok := first(payload, gatewayAliases); ok {
		c.GatewayAddress = strings.TrimSpace(toString(raw))
	}

	return c
}

// Has reports whether f was present in the payload, typed or not.
func (c Canonical) Has(f Field) bool {
	_, ok := c.Values[f]
	return ok
}

// Float returns the typed value of f, or nil when f is absent or a passthrough.
func (c Canonical) Float(f Field) *float64 {
	v, ok := c.Values[f]
	if !ok || !v.Typed {
		return nil
	}
	out := v.Float
	return &out
}

// HasSensorValue reports whether any sensor-value field was present.
func (c Canonical) HasSensorValue() bool {
	return len(c.Values) > 0
}

// HasTypedSensorValue reports whether any sensor-value field parsed as a number.
func (c Canonical) HasTypedSensorValue() bool {
	for _, v := range c.Values {
		if v.Typed {
			return true
		}
	}
	return false
}

// IsGatewayUpdate reports whether the payload only carries the gateway address.
func (c Canonical) IsGatewayUpdate() bool {
	return model.IsGatewayNode(c.NodeID) && c.GatewayAddress != "" && !c.HasSensorValue()
}

// Reading builds the storable reading. Passthrough values are left unset.
func (c Canonical) Reading() model.SensorReading {
	return model.SensorReading{
		NodeID:          c.NodeID,
		Temperature:     c.Float(Temperature),
		Humidity:        c.Float(Humidity),
		SoilMoisture:    c.Float(SoilMoisture),
		Light:           c.Float(Light),
		LightPercentage: c.Float(LightPercentage),
		Latitude:        c.Float(Latitude),
		Longitude:       c.Float(Longitude),
		Timestamp:       c.Timestamp,
	}
}

// Map renders the canonical payload with canonical key names.
func (c Canonical) Map() map[string]any {
	out := make(map[string]any, len(c.Values)+3)
	for f, v := range c.Values {
		out[string(f)] = v.Interface()
	}
	out[KeyNodeID] = c.NodeID
	if c.Timestamp != nil {
		out[KeyTimestamp] = *c.Timestamp
	}
	if c.GatewayAddress != "" {
		out[KeyGatewayAddress] = c.GatewayAddress
	}
	return out
}

func first(payload map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := payload[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

type float64er interface {
	Float64() (float64, error)
}

func toValue(raw any) Value {
	if f, ok := toFloat(raw); ok {
		return Value{Float: f, Raw: raw, Typed: true}
	}
	return Value{Raw: raw}
}

func toFloat(raw any) (float64, bool) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint64:
		f = float64(v)
	case float64er:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toInt64(raw any) (int64, bool) {
	if s, ok := raw.(string); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return n, true
		}
	}
	f, ok := toFloat(raw)
	if !ok || !fitsInt64(f) {
		return 0, false
	}
	return int64(f), true
}

// fitsInt64 reports whether f converts to int64 without overflow.
func fitsInt64(f float64) bool {
	return f >= math.MinInt64 && f < math.MaxInt64
}

func toString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case float64:
		// Mesh node ids arrive as JSON numbers.
		if v == math.Trunc(v) && fitsInt64(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
