package ttn

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Message is one received uplink. It is immutable after construction.
// Raw holds the verbatim inbound JSON so that delivery downstream is
// transformation-free.
type Message struct {
	DeviceID   string
	Topic      string
	ReceivedAt time.Time
	Payload    map[string]float64
	Raw        []byte
}

// uplinkEnvelope mirrors the relevant part of the TTN v3 uplink JSON.
type uplinkEnvelope struct {
	EndDeviceIDs struct {
		DeviceID string `json:"device_id"`
	} `json:"end_device_ids"`
	ReceivedAt    time.Time `json:"received_at"`
	UplinkMessage struct {
		DecodedPayload map[string]interface{} `json:"decoded_payload"`
	} `json:"uplink_message"`
}

// ParseUplink decodes a TTN v3 uplink envelope. The decoded payload is an
// open mapping from sensor-field name to numeric value; non-numeric fields
// are ignored. An envelope without a device identity is malformed.
func ParseUplink(raw []byte) (Message, error) {
	var envelope uplinkEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Message{}, fmt.Errorf("invalid uplink json: %w", err)
	}
	if envelope.EndDeviceIDs.DeviceID == "" {
		return Message{}, fmt.Errorf("uplink without device identity")
	}

	payload := make(map[string]float64, len(envelope.UplinkMessage.DecodedPayload))
	for field, value := range envelope.UplinkMessage.DecodedPayload {
		switch v := value.(type) {
		case float64:
			payload[field] = v
		case bool:
			if v {
				payload[field] = 1
			} else {
				payload[field] = 0
			}
		}
	}

	rawCopy := make([]byte, len(raw))
	copy(rawCopy, raw)

	return Message{
		DeviceID:   envelope.EndDeviceIDs.DeviceID,
		ReceivedAt: envelope.ReceivedAt,
		Payload:    payload,
		Raw:        rawCopy,
	}, nil
}
