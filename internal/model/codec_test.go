package model

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"
)

var msPrecisionTimestamp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)

func TestWireTimeMarshalsMillisecondPrecision(t *testing.T) {
	ts := time.Date(2026, 7, 30, 12, 0, 0, 123456789, time.UTC)
	b, err := WireTime(ts).MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error: %v", err)
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		t.Fatalf("unmarshal wire time: %v", err)
	}
	if !msPrecisionTimestamp.MatchString(s) {
		t.Errorf("WireTime marshaled %q, want millisecond-precision RFC 3339", s)
	}
	if s != "2026-07-30T12:00:00.123Z" {
		t.Errorf("WireTime marshaled %q, want truncated to .123", s)
	}
}

func TestWireTimeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 7, 30, 12, 0, 0, 5_000_000, time.UTC)
	b, err := json.Marshal(WireTime(ts))
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var got WireTime
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if !time.Time(got).Equal(ts) {
		t.Errorf("round trip = %v, want %v", time.Time(got), ts)
	}
}

func TestDecodeClientMessageSubscribe(t *testing.T) {
	raw := []byte(`{"context":"vessels.self","subscribe":[{"path":"navigation.position"}]}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error: %v", err)
	}
	if msg.Kind != KindSubscribe {
		t.Fatalf("Kind = %v, want KindSubscribe", msg.Kind)
	}
	if len(msg.Subscribe.Items) != 1 || msg.Subscribe.Items[0].Path != "navigation.position" {
		t.Errorf("Items = %+v", msg.Subscribe.Items)
	}
}

func TestDecodeClientMessageUnsubscribeAll(t *testing.T) {
	raw := []byte(`{"context":"*","unsubscribe":[{"path":"*"}]}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error: %v", err)
	}
	if msg.Kind != KindUnsubscribe {
		t.Fatalf("Kind = %v, want KindUnsubscribe", msg.Kind)
	}
	if msg.Subscribe.Context != "*" {
		t.Errorf("Context = %q, want *", msg.Subscribe.Context)
	}
}

func TestDecodeClientMessagePut(t *testing.T) {
	raw := []byte(`{"requestId":"abc-123","put":{"path":"navigation.lights","value":"on"}}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error: %v", err)
	}
	if msg.Kind != KindPut {
		t.Fatalf("Kind = %v, want KindPut", msg.Kind)
	}
	if msg.Put.RequestID != "abc-123" || msg.Put.Path != "navigation.lights" {
		t.Errorf("Put = %+v", msg.Put)
	}
}

func TestDecodeClientMessageDelta(t *testing.T) {
	raw := []byte(`{"context":"vessels.self","updates":[{"$source":"nmea0183.GP","values":[{"path":"navigation.speedOverGround","value":3.85}]}]}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error: %v", err)
	}
	if msg.Kind != KindDelta {
		t.Fatalf("Kind = %v, want KindDelta", msg.Kind)
	}
	if len(msg.Delta.Updates) != 1 || msg.Delta.Updates[0].SourceRef != "nmea0183.GP" {
		t.Errorf("Delta = %+v", msg.Delta)
	}
}

func TestDecodeClientMessageMalformedIsNonFatal(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`not json`))
	if err == nil {
		t.Fatal("DecodeClientMessage(garbage) = nil error, want decode error")
	}
	if _, ok := err.(*DecodeError); !ok {
		t.Fatalf("error = %T, want *DecodeError", err)
	}
}

func TestDecodeClientMessageUnknownShape(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"foo":"bar"}`))
	if err == nil {
		t.Fatal("DecodeClientMessage(unknown shape) = nil error, want decode error")
	}
}

func TestEncodeServerMessageHello(t *testing.T) {
	hello := HelloMessage{
		Name:      "signalk-server",
		Version:   "1.7.0",
		Self:      "vessels.urn:x",
		Roles:     []string{"master", "main"},
		Timestamp: WireTime(time.Date(2026, 7, 30, 12, 0, 0, 123456789, time.UTC)),
	}
	b, err := EncodeServerMessage(hello)
	if err != nil {
		t.Fatalf("EncodeServerMessage() error: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal encoded hello: %v", err)
	}
	ts, _ := out["timestamp"].(string)
	if !msPrecisionTimestamp.MatchString(ts) {
		t.Errorf("hello timestamp = %q, want millisecond-precision RFC 3339", ts)
	}
	if out["version"] != "1.7.0" {
		t.Errorf("version = %v, want 1.7.0", out["version"])
	}
}
