package hub

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestEnvelopeDoubleEncodesPayload(t *testing.T) {
	data, err := envelope(tagViewers, map[string]int{"YouTube": 3})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	var env replyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("outer decode: %v", err)
	}
	if env.Tag != "viewers" {
		t.Fatalf("tag = %q", env.Tag)
	}
	// The inner message is JSON text, not a nested object.
	var counts map[string]int
	if err := json.Unmarshal([]byte(env.Message), &counts); err != nil {
		t.Fatalf("inner decode: %v", err)
	}
	if counts["YouTube"] != 3 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestEnvelopeNilPayload(t *testing.T) {
	data, err := envelope(tagFeatureMessage, nil)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	var env replyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Message != "null" {
		t.Fatalf("message = %q, want null", env.Message)
	}
}

func TestChannelNameAcceptsStringOrNumber(t *testing.T) {
	var update livestreamUpdate
	if err := json.Unmarshal([]byte(`{"platform":"Odysee","channel":"mychannel","viewers":1}`), &update); err != nil {
		t.Fatalf("string channel: %v", err)
	}
	if *update.Channel != "mychannel" {
		t.Fatalf("channel = %q", *update.Channel)
	}

	if err := json.Unmarshal([]byte(`{"platform":"Kick","channel":12345,"viewers":1}`), &update); err != nil {
		t.Fatalf("numeric channel: %v", err)
	}
	if *update.Channel != "12345" {
		t.Fatalf("channel = %q", *update.Channel)
	}

	err := json.Unmarshal([]byte(`{"channel":[1]}`), &update)
	if err == nil {
		t.Fatalf("expected error for array channel")
	}
}

func TestLivestreamUpdateRecognized(t *testing.T) {
	cases := []struct {
		frame string
		want  bool
	}{
		{`{"platform":"YouTube","viewers":0}`, true},
		{`{"platform":"YouTube","messages":[]}`, true},
		{`{"platform":"YouTube","removals":[]}`, true},
		{`{"platform":"YouTube"}`, false},
		{`{"switchLayout":"x"}`, false},
	}
	for _, tc := range cases {
		var update livestreamUpdate
		if err := json.Unmarshal([]byte(tc.frame), &update); err != nil {
			t.Fatalf("decode %s: %v", tc.frame, err)
		}
		if update.recognized() != tc.want {
			t.Errorf("recognized(%s) = %v, want %v", tc.frame, !tc.want, tc.want)
		}
	}
}

func TestHasKeyDistinguishesNullFromAbsent(t *testing.T) {
	if !hasKey([]byte(`{"feature_message":null}`), "feature_message") {
		t.Fatalf("explicit null must count as present")
	}
	id := uuid.New()
	if !hasKey([]byte(`{"feature_message":"`+id.String()+`"}`), "feature_message") {
		t.Fatalf("id value must count as present")
	}
	if hasKey([]byte(`{"viewers":3}`), "feature_message") {
		t.Fatalf("absent key must not count")
	}
	if hasKey([]byte(`not json`), "feature_message") {
		t.Fatalf("malformed frame must not count")
	}
}

func TestLayoutCommandRecognized(t *testing.T) {
	cases := []struct {
		frame string
		want  bool
	}{
		{`{"switchLayout":"alt"}`, true},
		{`{"deleteLayout":"alt"}`, true},
		{`{"saveLayout":{"name":"x","layout":{"name":"x"}}}`, true},
		{`{"requestLayout":true}`, true},
		{`{"requestLayouts":true}`, true},
		{`{"subscribeLayout":"alt"}`, true},
		{`{"layoutUpdate":{"name":"x"}}`, true},
		{`{"requestLayout":false}`, false},
		{`{"platform":"YouTube","viewers":1}`, false},
	}
	for _, tc := range cases {
		var cmd layoutCommand
		if err := json.Unmarshal([]byte(tc.frame), &cmd); err != nil {
			t.Fatalf("decode %s: %v", tc.frame, err)
		}
		if cmd.recognized() != tc.want {
			t.Errorf("recognized(%s) = %v, want %v", tc.frame, !tc.want, tc.want)
		}
	}
}
