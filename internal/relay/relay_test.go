package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whisper/video-relay/internal/pairing"
	"github.com/whisper/video-relay/internal/protocol"
	"github.com/whisper/video-relay/internal/registry"
)

type nopNotifier struct{}

func (nopNotifier) Waiting(string)               {}
func (nopNotifier) Matched(string, string, bool) {}
func (nopNotifier) PartnerLeft(string)           {}

// outbox records frames per destination. Ids listed in closed fail.
type outbox struct {
	mu     sync.Mutex
	frames map[string][][]byte
	closed map[string]bool
}

func newOutbox() *outbox {
	return &outbox{frames: map[string][][]byte{}, closed: map[string]bool{}}
}

func (o *outbox) Send(id string, frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed[id] {
		return errors.New("closed")
	}
	o.frames[id] = append(o.frames[id], frame)
	return nil
}

func (o *outbox) get(id string) [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frames[id]
}

func pairedEngine(t *testing.T) *pairing.Engine {
	t.Helper()
	e := pairing.NewEngine(registry.New(), nopNotifier{}, zap.NewNop())
	require.NoError(t, e.Join(registry.NewEndpoint("a", "10.0.0.1")))
	require.NoError(t, e.Join(registry.NewEndpoint("b", "10.0.0.2")))
	return e
}

const offerSDP = `{"type":"offer","sdp":"v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"}`

func TestForward_DeliversBytesUnchanged(t *testing.T) {
	out := newOutbox()
	r := New(pairedEngine(t), out, zap.NewNop(), 0)

	tests := []struct {
		name    string
		from    string
		to      string
		sig     protocol.Signal
		wantKey string
	}{
		{"offer", "b", "a", protocol.Signal{Kind: protocol.TypeOffer, Payload: json.RawMessage(offerSDP)}, "sdp"},
		{"answer", "a", "b", protocol.Signal{Kind: protocol.TypeAnswer, Payload: json.RawMessage(`{"sdp":"v=0\r\n", "type":"answer"}`)}, "sdp"},
		{"candidate", "b", "a", protocol.Signal{Kind: protocol.TypeCandidate, Payload: json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 192.168.1.2 54321 typ host","sdpMid":"0","sdpMLineIndex":0}`)}, "candidate"},
		{"end of candidates", "a", "b", protocol.Signal{Kind: protocol.TypeCandidate, Payload: json.RawMessage(`{"candidate":""}`)}, "candidate"},
		{"null candidate", "b", "a", protocol.Signal{Kind: protocol.TypeCandidate, Payload: json.RawMessage(`null`)}, "candidate"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := len(out.get(tc.to))
			require.True(t, r.Forward(tc.from, tc.sig))

			frames := out.get(tc.to)
			require.Len(t, frames, before+1)

			var got map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(frames[before], &got))
			assert.JSONEq(t, `"`+tc.sig.Kind+`"`, string(got["type"]))
			assert.Equal(t, string(tc.sig.Payload), string(got[tc.wantKey]))
		})
	}
}

func TestForward_UnpairedDropped(t *testing.T) {
	e := pairing.NewEngine(registry.New(), nopNotifier{}, zap.NewNop())
	require.NoError(t, e.Join(registry.NewEndpoint("solo", "10.0.0.1")))
	out := newOutbox()
	r := New(e, out, zap.NewNop(), 0)

	assert.False(t, r.Forward("solo", protocol.Signal{Kind: protocol.TypeOffer, Payload: json.RawMessage(offerSDP)}))
	assert.False(t, r.Forward("ghost", protocol.Signal{Kind: protocol.TypeOffer, Payload: json.RawMessage(offerSDP)}))
	assert.Empty(t, out.frames)
}

func TestForward_AfterTeardownDropped(t *testing.T) {
	e := pairedEngine(t)
	out := newOutbox()
	r := New(e, out, zap.NewNop(), 0)

	e.Disconnect("a")

	assert.False(t, r.Forward("b", protocol.Signal{Kind: protocol.TypeOffer, Payload: json.RawMessage(offerSDP)}))
	assert.Empty(t, out.get("a"))
}

func TestForward_ClosedPartnerQueue(t *testing.T) {
	out := newOutbox()
	out.closed["a"] = true
	r := New(pairedEngine(t), out, zap.NewNop(), 0)

	assert.False(t, r.Forward("b", protocol.Signal{Kind: protocol.TypeOffer, Payload: json.RawMessage(offerSDP)}))
}

func TestForward_InvalidRepliesToSender(t *testing.T) {
	out := newOutbox()
	r := New(pairedEngine(t), out, zap.NewNop(), 0)

	ok := r.Forward("b", protocol.Signal{Kind: protocol.TypeOffer, Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)})
	require.False(t, ok)

	assert.Empty(t, out.get("a"), "partner must not receive a rejected signal")
	frames := out.get("b")
	require.Len(t, frames, 1)

	var msg protocol.ErrorMsg
	require.NoError(t, json.Unmarshal(frames[0], &msg))
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.CodeBadMessage, msg.Code)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		sig     protocol.Signal
		max     int
		wantErr error
	}{
		{"valid offer", protocol.Signal{Kind: protocol.TypeOffer, Payload: json.RawMessage(offerSDP)}, 0, nil},
		{"valid answer", protocol.Signal{Kind: protocol.TypeAnswer, Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)}, 0, nil},
		{"offer typed as answer", protocol.Signal{Kind: protocol.TypeOffer, Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)}, 0, ErrInvalidPayload},
		{"empty sdp", protocol.Signal{Kind: protocol.TypeAnswer, Payload: json.RawMessage(`{"type":"answer","sdp":""}`)}, 0, ErrInvalidPayload},
		{"sdp as string", protocol.Signal{Kind: protocol.TypeOffer, Payload: json.RawMessage(`"v=0"`)}, 0, ErrInvalidPayload},
		{"missing payload", protocol.Signal{Kind: protocol.TypeCandidate}, 0, ErrInvalidPayload},
		{"candidate as null", protocol.Signal{Kind: protocol.TypeCandidate, Payload: json.RawMessage(`null`)}, 0, nil},
		{"candidate as string", protocol.Signal{Kind: protocol.TypeCandidate, Payload: json.RawMessage(`"candidate:1"`)}, 0, ErrInvalidPayload},
		{"candidate wrong field type", protocol.Signal{Kind: protocol.TypeCandidate, Payload: json.RawMessage(`{"candidate":5}`)}, 0, ErrInvalidPayload},
		{"unknown kind", protocol.Signal{Kind: "renegotiate", Payload: json.RawMessage(`{}`)}, 0, ErrInvalidPayload},
		{"too large", protocol.Signal{Kind: protocol.TypeOffer, Payload: json.RawMessage(`{"type":"offer","sdp":"` + strings.Repeat("a", 100) + `"}`)}, 64, ErrPayloadTooLarge},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.sig, tc.max)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}
