package subscribe

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/statesync/internal/patch"
)

// Message kinds on the wire. Client→server kinds arrive over the transport
// read path; server→client kinds leave through a SendFunc.
const (
	KindSubscribe    = "subscribe"
	KindUnsubscribe  = "unsubscribe"
	KindUpdateFields = "update_fields"
	KindData         = "data"
	KindPatch        = "patch"
)

// ClientMessage is the sealed union of messages a client may send.
// Decoding is exhaustive: an unrecognized kind is a ValidationError, and
// adding a new kind is a compile-time-visible change here.
type ClientMessage interface {
	clientMessage()
	MsgKind() string
}

// SubscribeMsg registers interest in one entity.
type SubscribeMsg struct {
	SubscriptionID string   `json:"subscriptionId"`
	Entity         string   `json:"entity"`
	EntityID       string   `json:"id"`
	Fields         []string `json:"fields"`
}

func (SubscribeMsg) clientMessage()  {}
func (SubscribeMsg) MsgKind() string { return KindSubscribe }

// UnsubscribeMsg removes one subscription.
type UnsubscribeMsg struct {
	SubscriptionID string `json:"subscriptionId"`
}

func (UnsubscribeMsg) clientMessage()  {}
func (UnsubscribeMsg) MsgKind() string { return KindUnsubscribe }

// UpdateFieldsMsg replaces a subscription's field filter.
type UpdateFieldsMsg struct {
	SubscriptionID string   `json:"subscriptionId"`
	Fields         []string `json:"fields"`
}

func (UpdateFieldsMsg) clientMessage()  {}
func (UpdateFieldsMsg) MsgKind() string { return KindUpdateFields }

// ServerMessage is the sealed union of messages the server pushes.
type ServerMessage interface {
	serverMessage()
	MsgKind() string
}

// DataMsg carries a (possibly field-filtered) full snapshot.
type DataMsg struct {
	Entity   string         `json:"entity"`
	EntityID string         `json:"id"`
	Data     patch.Snapshot `json:"data"`
	Version  uint64         `json:"version"`
}

func (DataMsg) serverMessage()  {}
func (DataMsg) MsgKind() string { return KindData }

// PatchMsg carries a field-filtered incremental patch.
type PatchMsg struct {
	Entity   string     `json:"entity"`
	EntityID string     `json:"id"`
	Patch    []patch.Op `json:"patch"`
	Version  uint64     `json:"version"`
}

func (PatchMsg) serverMessage()  {}
func (PatchMsg) MsgKind() string { return KindPatch }

// ValidationError reports a malformed message, rejected before any state
// is touched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}

// envelope is the tagged wire form: the kind plus the message body inlined.
type envelope struct {
	Type           string         `json:"type"`
	SubscriptionID string         `json:"subscriptionId,omitempty"`
	Entity         string         `json:"entity,omitempty"`
	EntityID       string         `json:"id,omitempty"`
	Fields         []string       `json:"fields,omitempty"`
	Data           patch.Snapshot `json:"data,omitempty"`
	Patch          []patch.Op     `json:"patch,omitempty"`
	Version        uint64         `json:"version,omitempty"`
}

// EncodeServerMessage renders a server message in the tagged envelope form.
func EncodeServerMessage(m ServerMessage) ([]byte, error) {
	var env envelope
	switch msg := m.(type) {
	case DataMsg:
		env = envelope{Type: KindData, Entity: msg.Entity, EntityID: msg.EntityID, Data: msg.Data, Version: msg.Version}
	case PatchMsg:
		env = envelope{Type: KindPatch, Entity: msg.Entity, EntityID: msg.EntityID, Patch: msg.Patch, Version: msg.Version}
	default:
		return nil, fmt.Errorf("unsupported server message type: %T", m)
	}
	return json.Marshal(env)
}

// DecodeClientMessage parses a tagged envelope into the client message
// union. Unknown kinds and missing required fields are ValidationErrors.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	switch env.Type {
	case KindSubscribe:
		if env.SubscriptionID == "" || env.Entity == "" || env.EntityID == "" {
			return nil, &ValidationError{Reason: "subscribe requires subscriptionId, entity, and id"}
		}
		return SubscribeMsg{
			SubscriptionID: env.SubscriptionID,
			Entity:         env.Entity,
			EntityID:       env.EntityID,
			Fields:         env.Fields,
		}, nil
	case KindUnsubscribe:
		if env.SubscriptionID == "" {
			return nil, &ValidationError{Reason: "unsubscribe requires subscriptionId"}
		}
		return UnsubscribeMsg{SubscriptionID: env.SubscriptionID}, nil
	case KindUpdateFields:
		if env.SubscriptionID == "" {
			return nil, &ValidationError{Reason: "update_fields requires subscriptionId"}
		}
		return UpdateFieldsMsg{SubscriptionID: env.SubscriptionID, Fields: env.Fields}, nil
	case "":
		return nil, &ValidationError{Reason: "missing message type"}
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown message type %q", env.Type)}
	}
}
