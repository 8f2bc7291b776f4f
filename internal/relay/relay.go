// Package relay forwards WebRTC handshake messages between paired endpoints.
// The relay never interprets a session description or candidate beyond a
// shape check; the partner receives the sender's bytes unchanged.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/whisper/video-relay/internal/metrics"
	"github.com/whisper/video-relay/internal/protocol"
)

// DefaultMaxPayload bounds the size of one signal payload.
const DefaultMaxPayload = 64 << 10

var (
	// ErrPayloadTooLarge is returned for payloads above the configured cap.
	ErrPayloadTooLarge = errors.New("relay: payload too large")
	// ErrInvalidPayload is returned for payloads that are not a session
	// description or ICE candidate of the expected shape.
	ErrInvalidPayload = errors.New("relay: invalid payload")
)

// Sender delivers a frame to one endpoint. Implementations must not block;
// an error means the endpoint can no longer receive.
type Sender interface {
	Send(id string, frame []byte) error
}

// PartnerLookup runs fn with the live partner of id. It reports false when
// id has no partner that is still paired back to it.
type PartnerLookup interface {
	WithPartner(id string, fn func(partnerID string)) bool
}

// Relay forwards signals from an endpoint to its current partner.
type Relay struct {
	pairs    PartnerLookup
	out      Sender
	log      *zap.Logger
	maxBytes int
}

// New creates a Relay. A maxBytes of zero selects DefaultMaxPayload.
func New(pairs PartnerLookup, out Sender, log *zap.Logger, maxBytes int) *Relay {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPayload
	}
	return &Relay{
		pairs:    pairs,
		out:      out,
		log:      log,
		maxBytes: maxBytes,
	}
}

// Forward delivers sig to from's partner and reports whether it was handed to
// the partner's send queue. Signals from an unpaired endpoint, or to a
// partner that is being torn down, are dropped. A malformed signal is
// answered with an error frame to the sender.
func (r *Relay) Forward(from string, sig protocol.Signal) bool {
	if err := Validate(sig, r.maxBytes); err != nil {
		metrics.SignalsTotal.WithLabelValues(sig.Kind, "invalid").Inc()
		r.log.Warn("rejected signal",
			zap.String("session", from), zap.String("kind", sig.Kind), zap.Error(err))
		r.replyError(from, err)
		return false
	}

	frame, err := protocol.EncodeSignal(sig)
	if err != nil {
		metrics.SignalsTotal.WithLabelValues(sig.Kind, "invalid").Inc()
		r.log.Warn("failed to encode signal",
			zap.String("session", from), zap.String("kind", sig.Kind), zap.Error(err))
		return false
	}

	var (
		to      string
		sendErr error
	)
	paired := r.pairs.WithPartner(from, func(partnerID string) {
		to = partnerID
		sendErr = r.out.Send(partnerID, frame)
	})

	switch {
	case !paired:
		metrics.SignalsTotal.WithLabelValues(sig.Kind, "dropped").Inc()
		r.log.Warn("dropped signal from unpaired endpoint",
			zap.String("session", from), zap.String("kind", sig.Kind))
		return false
	case sendErr != nil:
		metrics.SignalsTotal.WithLabelValues(sig.Kind, "dropped").Inc()
		r.log.Warn("dropped signal to closing partner",
			zap.String("session", from), zap.String("partner", to),
			zap.String("kind", sig.Kind), zap.Error(sendErr))
		return false
	}

	metrics.SignalsTotal.WithLabelValues(sig.Kind, "relayed").Inc()
	r.log.Debug("relayed signal",
		zap.String("session", from), zap.String("partner", to), zap.String("kind", sig.Kind))
	return true
}

func (r *Relay) replyError(id string, cause error) {
	frame, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    protocol.CodeBadMessage,
		Message: cause.Error(),
	})
	if err != nil {
		return
	}
	_ = r.out.Send(id, frame)
}

// Validate checks that sig carries a payload of the shape its kind implies:
// a session description whose type matches the signal for offer and answer,
// an ICE candidate init or null for candidate.
func Validate(sig protocol.Signal, maxBytes int) error {
	if len(sig.Payload) == 0 {
		return fmt.Errorf("%w: missing %s payload", ErrInvalidPayload, sig.Kind)
	}
	if maxBytes > 0 && len(sig.Payload) > maxBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(sig.Payload))
	}

	switch sig.Kind {
	case protocol.TypeOffer, protocol.TypeAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &desc); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, sig.Kind, err)
		}
		want := webrtc.SDPTypeOffer
		if sig.Kind == protocol.TypeAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if desc.Type != want {
			return fmt.Errorf("%w: %s carries description of type %q", ErrInvalidPayload, sig.Kind, desc.Type)
		}
		if desc.SDP == "" {
			return fmt.Errorf("%w: %s has empty sdp", ErrInvalidPayload, sig.Kind)
		}
	case protocol.TypeCandidate:
		trimmed := bytes.TrimSpace(sig.Payload)
		if bytes.Equal(trimmed, []byte("null")) {
			// End of candidates, forwarded as is.
			return nil
		}
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return fmt.Errorf("%w: candidate must be an object", ErrInvalidPayload)
		}
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Payload, &cand); err != nil {
			return fmt.Errorf("%w: candidate: %v", ErrInvalidPayload, err)
		}
	default:
		return fmt.Errorf("%w: unknown signal kind %q", ErrInvalidPayload, sig.Kind)
	}
	return nil
}
