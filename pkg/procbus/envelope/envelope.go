// Package envelope defines the tagged messages exchanged over a channel
// between the hub and a worker, along with the payload codecs.
package envelope

import (
	"fmt"

	"github.com/google/uuid"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
)

// Version is the protocol version stamped on every envelope.
// Receivers drop envelopes carrying any other version.
const Version = "1.0.0"

// MainTag is the origin tag and target name of the hub process.
const MainTag = "main"

// Type discriminates envelope kinds.
type Type string

// Envelope types.
const (
	TypeRequest     Type = "ipc.request"
	TypeResponse    Type = "ipc.response"
	TypeEmit        Type = "ipc.event.emit"
	TypeDispatch    Type = "ipc.event.dispatch"
	TypeSubscribe   Type = "ipc.event.subscribe"
	TypeUnsubscribe Type = "ipc.event.unsubscribe"
)

// Instance identifies the protocol-stack instance that issued a message.
type Instance struct {
	Token string `json:"token" cbor:"token"`
}

// RequestRef points a response back at its request.
type RequestRef struct {
	ID uint64 `json:"id" cbor:"id"`
}

// Envelope is the single wire message. Which fields are populated depends on Type.
//
// Envelopes delivered to channel subscribers are shared between them and
// must be treated as read-only.
type Envelope struct {
	Type     Type      `json:"type" cbor:"type"`
	Version  string    `json:"version,omitempty" cbor:"version,omitempty"`
	Instance *Instance `json:"instance,omitempty" cbor:"instance,omitempty"`

	// Request fields.
	ID     uint64 `json:"id,omitempty" cbor:"id,omitempty"`
	Target string `json:"target,omitempty" cbor:"target,omitempty"`
	Action string `json:"action,omitempty" cbor:"action,omitempty"`
	Params []Raw  `json:"params,omitempty" cbor:"params,omitempty"`

	// Response fields.
	Request  *RequestRef       `json:"request,omitempty" cbor:"request,omitempty"`
	Response Raw               `json:"response,omitempty" cbor:"response,omitempty"`
	Error    *perr.RemoteError `json:"error,omitempty" cbor:"error,omitempty"`

	// Event fields.
	Origin string `json:"origin,omitempty" cbor:"origin,omitempty"`
	Event  string `json:"event,omitempty" cbor:"event,omitempty"`
	Data   Raw    `json:"data,omitempty" cbor:"data,omitempty"`

	// Meta carries propagation headers (trace context).
	Meta map[string]string `json:"meta,omitempty" cbor:"meta,omitempty"`
}

// NewToken mints a fresh instance token.
func NewToken() string {
	return uuid.NewString()
}

// NewRequest builds a request envelope.
func NewRequest(id uint64, token, target, action string, params []Raw) *Envelope {
	return &Envelope{
		Type:     TypeRequest,
		Version:  Version,
		Instance: &Instance{Token: token},
		ID:       id,
		Target:   target,
		Action:   action,
		Params:   params,
	}
}

// NewResponse builds the response to req. Exactly one of result or err is meaningful;
// when err is non-nil the result is omitted.
func NewResponse(req *Envelope, result Raw, err *perr.RemoteError) *Envelope {
	env := &Envelope{
		Type:    TypeResponse,
		Version: Version,
		Request: &RequestRef{ID: req.ID},
	}
	if req.Instance != nil {
		env.Instance = &Instance{Token: req.Instance.Token}
	}
	if err != nil {
		env.Error = err
	} else {
		env.Response = result
	}
	return env
}

// NewEmit builds an event emitted by a process towards the hub.
func NewEmit(event string, data Raw) *Envelope {
	return &Envelope{
		Type:    TypeEmit,
		Version: Version,
		Event:   event,
		Data:    data,
	}
}

// NewDispatch builds an event routed by the hub to an interested worker.
func NewDispatch(origin, event string, data Raw) *Envelope {
	return &Envelope{
		Type:    TypeDispatch,
		Version: Version,
		Origin:  origin,
		Event:   event,
		Data:    data,
	}
}

// NewSubscribe builds a subscription control message.
func NewSubscribe(token, origin, event string) *Envelope {
	return &Envelope{
		Type:     TypeSubscribe,
		Version:  Version,
		Instance: &Instance{Token: token},
		Origin:   origin,
		Event:    event,
	}
}

// NewUnsubscribe builds an unsubscription control message.
func NewUnsubscribe(token, origin, event string) *Envelope {
	return &Envelope{
		Type:     TypeUnsubscribe,
		Version:  Version,
		Instance: &Instance{Token: token},
		Origin:   origin,
		Event:    event,
	}
}

// Token returns the instance token, or "" when absent.
func (e *Envelope) Token() string {
	if e.Instance == nil {
		return ""
	}
	return e.Instance.Token
}

// RequestID returns the id of the request a response refers to, or 0.
func (e *Envelope) RequestID() uint64 {
	if e.Request == nil {
		return 0
	}
	return e.Request.ID
}

// CheckVersion returns a VersionError when the envelope was produced by a
// different protocol version. A missing version counts as a mismatch.
func CheckVersion(e *Envelope) error {
	if e.Version != Version {
		return &perr.VersionError{Got: e.Version, Want: Version}
	}
	return nil
}

// Validate checks the fields required by the envelope type.
func (e *Envelope) Validate() error {
	fail := func(format string, args ...any) error {
		return &perr.ProtocolError{Type: string(e.Type), Reason: fmt.Sprintf(format, args...)}
	}

	switch e.Type {
	case TypeRequest:
		if e.ID == 0 {
			return fail("undefined request id")
		}
		if e.Action == "" {
			return fail("property action is undefined")
		}
		if e.Token() == "" {
			return fail("undefined instance token")
		}
	case TypeResponse:
		if e.RequestID() == 0 {
			return fail("undefined request id")
		}
		if e.Token() == "" {
			return fail("undefined instance token")
		}
	case TypeEmit:
		if e.Event == "" {
			return fail("undefined event name")
		}
	case TypeDispatch:
		if e.Origin == "" || e.Event == "" {
			return fail("undefined origin or event")
		}
	case TypeSubscribe, TypeUnsubscribe:
		if e.Origin == "" || e.Event == "" {
			return fail("undefined origin or event")
		}
		if e.Token() == "" {
			return fail("undefined instance token")
		}
	default:
		return fail("unknown envelope type %q", e.Type)
	}
	return nil
}

// String renders a short description for logs.
func (e *Envelope) String() string {
	switch e.Type {
	case TypeRequest:
		return fmt.Sprintf("Envelope{%s id=%d target=%q action=%q}", e.Type, e.ID, e.Target, e.Action)
	case TypeResponse:
		return fmt.Sprintf("Envelope{%s request=%d error=%t}", e.Type, e.RequestID(), e.Error != nil)
	default:
		return fmt.Sprintf("Envelope{%s origin=%q event=%q}", e.Type, e.Origin, e.Event)
	}
}
