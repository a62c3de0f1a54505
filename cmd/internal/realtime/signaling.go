package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	v1 "parley/contracts/realtime/v1"
)

// SignalingRelay forwards WebRTC call signaling between two identified users.
// It keeps no call state and never inspects payloads; an offline callee means the
// signal is dropped.
type SignalingRelay struct {
	log     *slog.Logger
	deliver Deliverer
	metrics *Metrics
	now     func() time.Time
}

// NewSignalingRelay constructs a SignalingRelay.
func NewSignalingRelay(log *slog.Logger, deliver Deliverer, metrics *Metrics) *SignalingRelay {
	if log == nil {
		log = slog.Default()
	}
	if deliver == nil {
		deliver = nopDeliverer{}
	}
	return &SignalingRelay{log: log, deliver: deliver, metrics: metrics, now: time.Now}
}

// ForwardOffer delivers a call offer to the callee.
func (s *SignalingRelay) ForwardOffer(ctx context.Context, from, to string, payload json.RawMessage) bool {
	return s.forward(ctx, v1.TypeCallOffer, from, to, payload)
}

// ForwardAnswer delivers the callee's answer. A null payload means the call was declined
// and is forwarded as is.
func (s *SignalingRelay) ForwardAnswer(ctx context.Context, from, to string, payload json.RawMessage) bool {
	return s.forward(ctx, v1.TypeCallAnswer, from, to, payload)
}

// ForwardCandidate delivers one ICE candidate.
func (s *SignalingRelay) ForwardCandidate(ctx context.Context, from, to string, payload json.RawMessage) bool {
	return s.forward(ctx, v1.TypeICECandidate, from, to, payload)
}

func (s *SignalingRelay) forward(ctx context.Context, kind, from, to string, payload json.RawMessage) bool {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" || to == "" {
		s.metrics.signal(kind, false)
		return false
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	env := newEnvelope(kind, v1.SignalPayload{From: from, Payload: payload}, s.now().UTC())
	ok := s.deliver.Deliver(ctx, to, env)
	s.metrics.signal(kind, ok)
	if !ok {
		s.log.Debug("signal.drop", "kind", kind, "from", from, "to", to)
	}
	return ok
}
