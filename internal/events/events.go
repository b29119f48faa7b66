// Package events names the real-time messages exchanged with dashboard clients and the
// publisher contract used to emit them.
package events

import (
	"context"

	"github.com/goccy/go-json"
)

// Server to client events.
const (
	InitialSnapshot  = "datos_iniciales"
	NewReading       = "nuevo_dato"
	ReadingsUpdated  = "actualizacion_datos"
	ReadingDeleted   = "dato_eliminado"
	GatewayAddress   = "gateway_ip"
	NodeLocation     = "ubicacion_nodo"
	HistoryResult    = "resultado_datos"
	DateFilterResult = "resultado_filtrado"
	StatsResult      = "resultado_estadisticas"
	Error            = "error"
	Pong             = "pong"
)

// Client to server requests.
const (
	HistoryRequest    = "solicitar_datos"
	DateFilterRequest = "filtrar_por_fecha"
	StatsRequest      = "obtener_estadisticas"
	DeleteRequest     = "eliminar_dato"
	Ping              = "ping"
)

// Message is the envelope written to and read from the real-time channel.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes data into an envelope of the given type.
func NewMessage(eventType string, data any) (Message, error) {
	if data == nil {
		return Message{Type: eventType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: eventType, Data: raw}, nil
}

// Publisher broadcasts an event to every connected client. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data any) error
}

// GatewayPayload is sent with GatewayAddress events.
type GatewayPayload struct {
	IP string `json:"ip"`
}

// DeletedPayload is sent with ReadingDeleted events.
type DeletedPayload struct {
	ID      int64 `json:"id"`
	Success *bool `json:"success,omitempty"`
}

// ErrorPayload is sent with Error events.
type ErrorPayload struct {
	Message string `json:"message"`
}
