package model

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// DefaultNodeID is assigned to readings that arrive without a node identifier.
const DefaultNodeID = "unknown"

// GatewayNodeID is the reserved identifier used by the gateway for address updates.
const GatewayNodeID = "gateway"

// CreatedAtLayout is the fixed format used when rendering creation times to clients.
const CreatedAtLayout = "2006-01-02 15:04:05 MST"

// IsGatewayNode reports whether id names the reserved gateway node.
func IsGatewayNode(id string) bool {
	return strings.EqualFold(strings.TrimSpace(id), GatewayNodeID)
}

// SensorReading is one stored observation from a field node.
type SensorReading struct {
	ID              int64
	NodeID          string
	Temperature     *float64
	Humidity        *float64
	SoilMoisture    *float64
	Light           *float64
	LightPercentage *float64
	Latitude        *float64
	Longitude       *float64
	// Timestamp is the unix time supplied by the node or bridge, if any.
	Timestamp *int64
	CreatedAt time.Time
}

// HasSensorValue reports whether at least one sensor-value field is set.
func (r SensorReading) HasSensorValue() bool {
	return r.Temperature != nil || r.Humidity != nil || r.SoilMoisture != nil ||
		r.Light != nil || r.LightPercentage != nil || r.Latitude != nil || r.Longitude != nil
}

// HasLocation reports whether both coordinates are present.
func (r SensorReading) HasLocation() bool {
	return r.Latitude != nil && r.Longitude != nil
}

type sparseReading struct {
	ID              int64    `json:"id"`
	NodeID          string   `json:"node_id"`
	Temperature     *float64 `json:"temperature,omitempty"`
	Humidity        *float64 `json:"humidity,omitempty"`
	SoilMoisture    *float64 `json:"soil_moisture,omitempty"`
	Light           *float64 `json:"light,omitempty"`
	LightPercentage *float64 `json:"light_percentage,omitempty"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
	Timestamp       *int64   `json:"timestamp"`
	CreatedAt       string   `json:"created_at"`
}

// MarshalJSON renders the sparse external representation: unset sensor fields are
// omitted while node_id, timestamp and created_at are always present.
func (r SensorReading) MarshalJSON() ([]byte, error) {
	out := sparseReading{
		ID:              r.ID,
		NodeID:          r.NodeID,
		Temperature:     r.Temperature,
		Humidity:        r.Humidity,
		SoilMoisture:    r.SoilMoisture,
		Light:           r.Light,
		LightPercentage: r.LightPercentage,
		Latitude:        r.Latitude,
		Longitude:       r.Longitude,
		Timestamp:       r.Timestamp,
	}
	if !r.CreatedAt.IsZero() {
		out.CreatedAt = r.CreatedAt.Local().Format(CreatedAtLayout)
	}
	return json.Marshal(out)
}

// GatewayInfo holds the last known network address of the gateway device.
type GatewayInfo struct {
	IP        string    `json:"ip"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Aggregate summarises one numeric column.
type Aggregate struct {
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
	Min float64 `json:"min"`
}

// Stats is the aggregate view over every stored reading. Numeric fields are zero when
// the store is empty.
type Stats struct {
	Temperature Aggregate      `json:"temperature"`
	Humidity    Aggregate      `json:"humidity"`
	Total       int64          `json:"total"`
	Latest      *SensorReading `json:"latest"`
}

// FieldPresence tells which sensor panels have data for a node.
type FieldPresence struct {
	Temperature     bool `json:"temperature"`
	Humidity        bool `json:"humidity"`
	SoilMoisture    bool `json:"soil_moisture"`
	Light           bool `json:"light"`
	LightPercentage bool `json:"light_percentage"`
}

// Location is the last known position of a node.
type Location struct {
	NodeID string  `json:"nodeId"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}
