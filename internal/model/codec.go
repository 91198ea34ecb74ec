package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ClientMessageKind tags which variant a decoded ClientMessage holds.
type ClientMessageKind int

const (
	// KindUnknown means the payload was valid JSON but matched none of
	// the recognized shapes.
	KindUnknown ClientMessageKind = iota
	KindSubscribe
	KindUnsubscribe
	KindPut
	KindDelta
)

// SubscribeItem is one entry of a Subscribe/Unsubscribe message's
// subscribe/unsubscribe array.
type SubscribeItem struct {
	Path      Path   `json:"path"`
	Period    *int   `json:"period,omitempty"`
	MinPeriod *int   `json:"minPeriod,omitempty"`
	Policy    string `json:"policy,omitempty"`
	Format    string `json:"format,omitempty"`
}

// SubscribeMessage is a client -> server Subscribe or Unsubscribe
// frame. Which it is is carried by ClientMessage.Kind;
// Items is populated from whichever of "subscribe"/"unsubscribe" the
// frame carried.
type SubscribeMessage struct {
	Context Context         `json:"context"`
	Items   []SubscribeItem `json:"items"`
}

// PutMessage is a client -> server Put request.
type PutMessage struct {
	RequestID string `json:"requestId"`
	Context   Context `json:"context,omitempty"`
	Path      Path    `json:"path"`
	Value     any     `json:"value"`
}

// ClientMessage is the decoded result of one inbound frame. Exactly
// one of the typed fields is populated, selected by Kind.
type ClientMessage struct {
	Kind      ClientMessageKind
	Subscribe *SubscribeMessage
	Put       *PutMessage
	Delta     *Delta
}

// wireMessage is the superset shape used to sniff which variant a
// frame is. Signal K frames are self-describing by which top-level key
// is present.
type wireMessage struct {
	Context     json.RawMessage   `json:"context"`
	Subscribe   []SubscribeItem   `json:"subscribe"`
	Unsubscribe []SubscribeItem   `json:"unsubscribe"`
	RequestID   string            `json:"requestId"`
	Put         *putPayload       `json:"put"`
	Updates     []Update          `json:"updates"`
}

type putPayload struct {
	Path  Path `json:"path"`
	Value any  `json:"value"`
}

// DecodeDelta decodes raw bytes as a bare Delta document, for
// providers (e.g. the MQTT bridge) whose upstream already emits
// Signal K delta JSON rather than a streaming-transport frame.
func DecodeDelta(raw []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(raw, &d); err != nil {
		return Delta{}, &DecodeError{Err: fmt.Errorf("unmarshal delta: %w", err)}
	}
	return d, nil
}

// DecodeClientMessage decodes one inbound frame into a ClientMessage.
// Decoding errors are deliberately non-fatal to the caller: a
// malformed frame yields a *DecodeError and the session should emit an
// Error message and remain open, never close the connection on this
// error alone.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return ClientMessage{}, &DecodeError{Err: fmt.Errorf("unmarshal frame: %w", err)}
	}

	var ctx Context
	if len(w.Context) > 0 {
		if err := json.Unmarshal(w.Context, &ctx); err != nil {
			return ClientMessage{}, &DecodeError{Field: "context", Err: err}
		}
	}

	switch {
	case len(w.Subscribe) > 0:
		return ClientMessage{Kind: KindSubscribe, Subscribe: &SubscribeMessage{Context: ctx, Items: w.Subscribe}}, nil
	case len(w.Unsubscribe) > 0:
		return ClientMessage{Kind: KindUnsubscribe, Subscribe: &SubscribeMessage{Context: ctx, Items: w.Unsubscribe}}, nil
	case w.Put != nil:
		return ClientMessage{Kind: KindPut, Put: &PutMessage{
			RequestID: w.RequestID,
			Context:   ctx,
			Path:      w.Put.Path,
			Value:     w.Put.Value,
		}}, nil
	case len(w.Updates) > 0:
		return ClientMessage{Kind: KindDelta, Delta: &Delta{Context: ctx, Updates: w.Updates}}, nil
	default:
		return ClientMessage{Kind: KindUnknown}, &DecodeError{Err: fmt.Errorf("frame matches no known message shape")}
	}
}

// ServerMessageKind tags which variant ServerMessage holds for callers
// that need to branch (e.g. metrics by message type).
type ServerMessageKind int

const (
	KindHello ServerMessageKind = iota
	KindServerDelta
	KindPutResponse
	KindServerEvent
	KindError
)

// msTimeFormat renders RFC 3339 with exactly millisecond precision,
// matching the REST rendering in store/node.go so every timestamp this
// server emits, streaming or polled, has the same fixed precision.
const msTimeFormat = "2006-01-02T15:04:05.000Z0700"

// WireTime wraps time.Time so it always marshals to exactly
// millisecond-precision RFC 3339, instead of time.Time's default
// MarshalJSON, which trims trailing fractional zeros and so varies the
// number of digits frame to frame.
type WireTime time.Time

// MarshalJSON implements json.Marshaler.
func (t WireTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(msTimeFormat) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *WireTime) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := time.Parse(msTimeFormat, s)
	if err != nil {
		return err
	}
	*t = WireTime(parsed)
	return nil
}

// HelloMessage is the first frame sent on every streaming session.
type HelloMessage struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Self      string   `json:"self"`
	Roles     []string `json:"roles"`
	Timestamp WireTime `json:"timestamp"`
}

// ServerDeltaUpdate is one emitted update: the surviving
// (context, $source, timestamp, values) tuple after subscription
// filtering.
type ServerDeltaUpdate struct {
	SourceRef SourceRef      `json:"$source"`
	Timestamp WireTime       `json:"timestamp"`
	Values    []PathValue    `json:"values"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ServerDelta is a server -> client delta frame.
type ServerDelta struct {
	Context string              `json:"context"`
	Updates []ServerDeltaUpdate `json:"updates"`
}

// PutResponse acknowledges a Put request.
type PutResponse struct {
	RequestID  string `json:"requestId"`
	State      string `json:"state"`
	StatusCode int    `json:"statusCode"`
}

const (
	PutStatePending   = "PENDING"
	PutStateCompleted = "COMPLETED"
	PutStateFailed    = "FAILED"
)

// ServerEventMessage is a ServerEvents-substate frame.
type ServerEventMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ErrorMessage is a server -> client error frame.
type ErrorMessage struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// EncodeServerMessage marshals any of the server message variants to
// JSON bytes. Callers pass one of HelloMessage, ServerDelta,
// PutResponse, ServerEventMessage, or ErrorMessage by value or
// pointer.
func EncodeServerMessage(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode server message: %w", err)
	}
	return b, nil
}
