package realtime

import (
	"encoding/json"
	"time"

	v1 "parley/contracts/realtime/v1"
)

// newEnvelope wraps payload into a server envelope. Payloads are plain structs
// owned by the contract package, so encoding cannot fail.
func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	id, err := NewEnvelopeID(ts)
	if err != nil {
		id = ""
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: raw,
	}
}

func statusEnvelope(m Message, ts time.Time) v1.Envelope {
	return newEnvelope(v1.TypeMessageStatus, v1.MessageStatusPayload{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Status:     string(m.Status),
	}, ts)
}

func messagePayloads(msgs []Message) []v1.MessagePayload {
	out := make([]v1.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Payload())
	}
	return out
}
