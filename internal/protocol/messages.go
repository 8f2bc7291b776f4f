// Package protocol defines the WebSocket message types exchanged between a
// browser and the relay. All messages are JSON text frames that share an
// envelope with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types. Offer, answer and candidate are also sent
// Server -> Client when relayed to the partner.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeNext      = "next"
	TypeReport    = "report"
	TypePing      = "ping"
)

// Server -> Client message types.
const (
	TypeSession      = "session"
	TypeWaiting      = "waiting"
	TypeMatched      = "matched"
	TypeDisconnected = "disconnected"
	TypeBanned       = "banned"
	TypeReportResult = "reportResult"
	TypeUserList     = "userList"
	TypeUpdateUsers  = "update-users"
	TypeError        = "error"
	TypePong         = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal"
	CodeBadMessage  = "bad_message"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// OfferMsg carries the initiator's session description. SDP is kept as raw
// JSON so it can be relayed byte for byte.
type OfferMsg struct {
	Type string          `json:"type"`
	SDP  json.RawMessage `json:"sdp"`
}

// AnswerMsg carries the responder's session description.
type AnswerMsg struct {
	Type string          `json:"type"`
	SDP  json.RawMessage `json:"sdp"`
}

// CandidateMsg carries one ICE candidate.
type CandidateMsg struct {
	Type      string          `json:"type"`
	Candidate json.RawMessage `json:"candidate"`
}

// NextMsg asks to leave the current partner and be matched again.
type NextMsg struct {
	Type string `json:"type"`
}

// ReportMsg reports the current partner. Evidence is opaque to the relay.
type ReportMsg struct {
	Type     string          `json:"type"`
	Reason   string          `json:"reason"`
	Evidence json.RawMessage `json:"evidence,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// Signal is one of the three handshake messages that are relayed between
// partners. Payload is the inner value (the "sdp" or "candidate" field)
// exactly as the sender wrote it.
type Signal struct {
	Kind    string
	Payload json.RawMessage
}

// Signal returns the relayable form of the offer.
func (m OfferMsg) Signal() Signal { return Signal{Kind: TypeOffer, Payload: m.SDP} }

// Signal returns the relayable form of the answer.
func (m AnswerMsg) Signal() Signal { return Signal{Kind: TypeAnswer, Payload: m.SDP} }

// Signal returns the relayable form of the candidate.
func (m CandidateMsg) Signal() Signal { return Signal{Kind: TypeCandidate, Payload: m.Candidate} }

// field returns the JSON key under which the signal payload travels.
func (s Signal) field() string {
	if s.Kind == TypeCandidate {
		return "candidate"
	}
	return "sdp"
}

// EncodeSignal builds the outbound frame for a relayed signal. The payload
// bytes are spliced in verbatim rather than re-encoded.
func EncodeSignal(s Signal) ([]byte, error) {
	switch s.Kind {
	case TypeOffer, TypeAnswer, TypeCandidate:
	default:
		return nil, fmt.Errorf("protocol: %q is not a signal", s.Kind)
	}
	if !json.Valid(s.Payload) {
		return nil, fmt.Errorf("protocol: %s payload is not valid JSON", s.Kind)
	}

	key := s.field()
	out := make([]byte, 0, len(s.Payload)+len(s.Kind)+len(key)+16)
	out = append(out, `{"type":"`...)
	out = append(out, s.Kind...)
	out = append(out, `","`...)
	out = append(out, key...)
	out = append(out, `":`...)
	out = append(out, s.Payload...)
	out = append(out, '}')
	return out, nil
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionMsg is the first frame on every admitted connection.
type SessionMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// WaitingMsg tells the client it occupies the waiting slot.
type WaitingMsg struct {
	Type string `json:"type"`
}

// MatchedMsg tells the client it has a partner. The initiator creates the
// offer.
type MatchedMsg struct {
	Type        string `json:"type"`
	PartnerID   string `json:"partnerId"`
	IsInitiator bool   `json:"isInitiator"`
	Country     string `json:"country,omitempty"`
}

// DisconnectedMsg tells the client its partner is gone.
type DisconnectedMsg struct {
	Type string `json:"type"`
}

// BannedMsg is sent before the server closes a banned connection.
// ExpiresAt is epoch milliseconds.
type BannedMsg struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// ReportResultMsg acknowledges a report.
type ReportResultMsg struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// UserListMsg is sent to a connection on admission.
type UserListMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// UpdateUsersMsg is broadcast whenever the set of connected endpoints
// changes.
type UpdateUsersMsg struct {
	Type  string   `json:"type"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeOffer:
		var m OfferMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAnswer:
		var m AnswerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCandidate:
		var m CandidateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNext:
		var m NextMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReport:
		var m ReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
