// Package envelope defines the on-wire tagged union (spec §3, §6): one
// JSON object per message, carried as a single binary frame, with a "kind"
// discriminator. Opaque byte payloads are base64-encoded when embedded in
// JSON via encoding/json's native []byte <-> base64 string handling.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the "kind" discriminator of the on-wire TransportEnvelope.
type Kind string

const (
	KindInvocation   Kind = "invocation"
	KindResponse     Kind = "response"
	KindStreamStart  Kind = "streamStart"
	KindStreamData   Kind = "streamData"
	KindStreamEnd    Kind = "streamEnd"
	KindStreamError  Kind = "streamError"
	KindStreamResume Kind = "streamResume"
)

// TraceContext is the optional distributed-tracing context carried by an
// InvocationEnvelope.
type TraceContext struct {
	TraceId string `json:"traceId"`
	SpanId  string `json:"spanId"`
}

// StreamFilter is a named filter with string parameters, attached to an
// invocation that opens a stream.
type StreamFilter struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// InvocationEnvelope is a self-describing remote-call or stream-open
// request (spec §3).
type InvocationEnvelope struct {
	CallId        string        `json:"callId"`
	Target        string        `json:"targetId"` // serialized ActorId of the target actor
	TargetIdent   string        `json:"target"`   // method selector
	Args          [][]byte      `json:"args"`     // one opaque blob per argument, never joined
	TypeArgs      []string      `json:"typeArgs,omitempty"`
	Trace         *TraceContext `json:"trace,omitempty"`
	Filter        *StreamFilter `json:"filter,omitempty"`
}

// ResponseEnvelope is a tagged success/failure response to an invocation.
type ResponseEnvelope struct {
	CallId  string `json:"callId"`
	Success bool   `json:"success"`
	Result  []byte `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TerminationReason is the closed set of StreamEnd reasons (spec §3, §4.2).
type TerminationReason string

const (
	ReasonCompleted          TerminationReason = "completed"
	ReasonActorTerminated    TerminationReason = "actorTerminated"
	ReasonClientUnsubscribed TerminationReason = "clientUnsubscribed"
	ReasonConnectionClosed   TerminationReason = "connectionClosed"
	ReasonError              TerminationReason = "error"
)

// StreamStartEnvelope announces a newly opened stream.
type StreamStartEnvelope struct {
	StreamId string `json:"streamId"`
	CallId   string `json:"callId"`
	ActorId  string `json:"actorId"`
	Target   string `json:"target"`
}

// StreamDataEnvelope carries one sequenced payload.
type StreamDataEnvelope struct {
	StreamId       string    `json:"streamId"`
	SequenceNumber uint64    `json:"sequenceNumber"`
	Payload        []byte    `json:"payload"`
	Timestamp      time.Time `json:"timestamp"`
}

// StreamEndEnvelope terminates a stream normally.
type StreamEndEnvelope struct {
	StreamId string            `json:"streamId"`
	Reason   TerminationReason `json:"reason"`
}

// StreamErrorEnvelope terminates a stream with an unrecoverable fault.
type StreamErrorEnvelope struct {
	StreamId string `json:"streamId"`
	Message  string `json:"message"`
}

// StreamResumeEnvelope requests replay/continuation from a checkpoint.
type StreamResumeEnvelope struct {
	StreamId     string `json:"streamId"`
	LastSequence uint64 `json:"lastSequence"`
}

// TransportEnvelope is the single on-wire type: a tagged union over the
// seven variants above. Exactly one of the pointer fields is non-nil,
// matching Kind.
type TransportEnvelope struct {
	Kind Kind `json:"kind"`

	Invocation   *InvocationEnvelope   `json:"invocation,omitempty"`
	Response     *ResponseEnvelope     `json:"response,omitempty"`
	StreamStart  *StreamStartEnvelope  `json:"streamStart,omitempty"`
	StreamData   *StreamDataEnvelope   `json:"streamData,omitempty"`
	StreamEnd    *StreamEndEnvelope    `json:"streamEnd,omitempty"`
	StreamError  *StreamErrorEnvelope  `json:"streamError,omitempty"`
	StreamResume *StreamResumeEnvelope `json:"streamResume,omitempty"`
}

// Encode marshals the envelope to its canonical JSON wire form.
func (e *TransportEnvelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire frame into a TransportEnvelope and validates that
// the payload matching Kind is present.
func Decode(data []byte) (*TransportEnvelope, error) {
	var e TransportEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *TransportEnvelope) validate() error {
	switch e.Kind {
	case KindInvocation:
		if e.Invocation == nil {
			return fmt.Errorf("envelope: kind %q missing invocation body", e.Kind)
		}
	case KindResponse:
		if e.Response == nil {
			return fmt.Errorf("envelope: kind %q missing response body", e.Kind)
		}
	case KindStreamStart:
		if e.StreamStart == nil {
			return fmt.Errorf("envelope: kind %q missing streamStart body", e.Kind)
		}
	case KindStreamData:
		if e.StreamData == nil {
			return fmt.Errorf("envelope: kind %q missing streamData body", e.Kind)
		}
	case KindStreamEnd:
		if e.StreamEnd == nil {
			return fmt.Errorf("envelope: kind %q missing streamEnd body", e.Kind)
		}
	case KindStreamError:
		if e.StreamError == nil {
			return fmt.Errorf("envelope: kind %q missing streamError body", e.Kind)
		}
	case KindStreamResume:
		if e.StreamResume == nil {
			return fmt.Errorf("envelope: kind %q missing streamResume body", e.Kind)
		}
	default:
		return fmt.Errorf("envelope: unknown kind %q", e.Kind)
	}
	return nil
}

// CallIdOf best-effort extracts a call id from an envelope, used by server
// dispatch (§4.4) to shape a failure response even on decode error paths
// where only partial data is available.
func (e *TransportEnvelope) CallIdOf() (string, bool) {
	switch e.Kind {
	case KindInvocation:
		if e.Invocation != nil {
			return e.Invocation.CallId, true
		}
	case KindResponse:
		if e.Response != nil {
			return e.Response.CallId, true
		}
	}
	return "", false
}

// NewInvocation wraps an InvocationEnvelope in its TransportEnvelope.
func NewInvocation(inv *InvocationEnvelope) *TransportEnvelope {
	return &TransportEnvelope{Kind: KindInvocation, Invocation: inv}
}

// NewResponseSuccess builds a success ResponseEnvelope wrapper.
func NewResponseSuccess(callId string, result []byte) *TransportEnvelope {
	return &TransportEnvelope{Kind: KindResponse, Response: &ResponseEnvelope{
		CallId: callId, Success: true, Result: result,
	}}
}

// NewResponseFailure builds a failure ResponseEnvelope wrapper.
func NewResponseFailure(callId, errMsg string) *TransportEnvelope {
	return &TransportEnvelope{Kind: KindResponse, Response: &ResponseEnvelope{
		CallId: callId, Success: false, Error: errMsg,
	}}
}

// NewStreamStart wraps a StreamStartEnvelope.
func NewStreamStart(streamId, callId, actorId, target string) *TransportEnvelope {
	return &TransportEnvelope{Kind: KindStreamStart, StreamStart: &StreamStartEnvelope{
		StreamId: streamId, CallId: callId, ActorId: actorId, Target: target,
	}}
}

// NewStreamData wraps a StreamDataEnvelope.
func NewStreamData(streamId string, seq uint64, payload []byte, ts time.Time) *TransportEnvelope {
	return &TransportEnvelope{Kind: KindStreamData, StreamData: &StreamDataEnvelope{
		StreamId: streamId, SequenceNumber: seq, Payload: payload, Timestamp: ts,
	}}
}

// NewStreamEnd wraps a StreamEndEnvelope.
func NewStreamEnd(streamId string, reason TerminationReason) *TransportEnvelope {
	return &TransportEnvelope{Kind: KindStreamEnd, StreamEnd: &StreamEndEnvelope{
		StreamId: streamId, Reason: reason,
	}}
}

// NewStreamError wraps a StreamErrorEnvelope.
func NewStreamError(streamId, message string) *TransportEnvelope {
	return &TransportEnvelope{Kind: KindStreamError, StreamError: &StreamErrorEnvelope{
		StreamId: streamId, Message: message,
	}}
}

// NewStreamResume wraps a StreamResumeEnvelope.
func NewStreamResume(streamId string, lastSeq uint64) *TransportEnvelope {
	return &TransportEnvelope{Kind: KindStreamResume, StreamResume: &StreamResumeEnvelope{
		StreamId: streamId, LastSequence: lastSeq,
	}}
}
