package main

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSentAtRoundTrip(t *testing.T) {
	before := time.Now()
	frame, err := json.Marshal(map[string]interface{}{"type": "offer", "sdp": offerSDP(4)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	sent, ok := sentAt(frame)
	if !ok {
		t.Fatal("sentAt did not find the send time")
	}
	if sent.Before(before) || sent.After(time.Now()) {
		t.Errorf("sent = %v, want between %v and now", sent, before)
	}
}

func TestSentAtMissing(t *testing.T) {
	for _, raw := range []string{
		`{"type":"offer","sdp":{"type":"offer","sdp":"v=0\r\n"}}`,
		`{"type":"offer","sdp":{"type":"offer","sdp":"a=x-sent:soon\r\n"}}`,
		`not json`,
	} {
		if _, ok := sentAt(json.RawMessage(raw)); ok {
			t.Errorf("sentAt(%s) reported a time", raw)
		}
	}
}
