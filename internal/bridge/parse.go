package bridge

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"agrolink/relay/internal/model"
)

// legacyPattern matches the plain-text payload of the first DHT22 firmware.
var legacyPattern = regexp.MustCompile(`Temp:([-+]?\d+\.\d+)C Hum:([-+]?\d+\.\d+)%`)

// MessageKey holds the raw text of a payload that was neither JSON nor legacy text.
const MessageKey = "mensaje"

// ParseMessage decodes a node payload. JSON objects are returned as is; legacy text is
// mapped to temperature and humidity; anything else is wrapped under MessageKey.
func ParseMessage(payload []byte) map[string]any {
	trimmed := bytes.TrimSpace(payload)

	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err == nil && obj != nil {
		return obj
	}

	text := string(payload)
	if m := legacyPattern.FindStringSubmatch(text); m != nil {
		temp, errT := strconv.ParseFloat(m[1], 64)
		hum, errH := strconv.ParseFloat(m[2], 64)
		if errT == nil && errH == nil {
			return map[string]any{"temperature": temp, "humidity": hum}
		}
	}

	return map[string]any{MessageKey: text}
}

// NodeIDFromTopic returns the trailing topic segment, or model.DefaultNodeID when the
// topic has no separator or ends with one.
func NodeIDFromTopic(topic string) string {
	i := strings.LastIndexByte(topic, '/')
	if i < 0 {
		return model.DefaultNodeID
	}
	if id := strings.TrimSpace(topic[i+1:]); id != "" {
		return id
	}
	return model.DefaultNodeID
}
