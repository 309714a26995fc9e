package eventbus

import (
	"encoding/json"
	"reflect"
)

// WireEnvelope is the JSON projection of an Envelope, kept stable for future
// cross-process transports. Payload marshalling is type-specific; events that
// fail to marshal carry a null payload.
type WireEnvelope struct {
	ID          uint64          `json:"id"`
	TimestampMS int64           `json:"timestamp_ms"`
	Type        string          `json:"type"`
	Priority    string          `json:"priority"`
	Source      string          `json:"source,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// Wire converts the envelope to its serializable form.
func (e Envelope) Wire() WireEnvelope {
	payload, err := json.Marshal(e.Event)
	if err != nil {
		payload = []byte("null")
	}
	return WireEnvelope{
		ID:          e.ID,
		TimestampMS: e.Timestamp.UnixMilli(),
		Type:        eventTypeName(e.Event),
		Priority:    e.Priority.String(),
		Source:      e.Source,
		Payload:     payload,
	}
}

// MarshalJSON renders the wire form directly.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Wire())
}

func eventTypeName(event any) string {
	t := reflect.TypeOf(event)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
