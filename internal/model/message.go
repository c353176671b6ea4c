// Package model holds the wire types and domain records shared by every
// other internal package: the command envelope, identities, tokens and the
// list/object/image/device records that resources and twins persist.
package model

import (
	"encoding/json"
	"strings"
)

// Message is the JSON envelope described in spec §3/§6:
//
//	{ "command": "<ns>:<verb>[:<status>]",
//	  "uuid":    "<channel-uuid>",
//	  "token":   "<session-token>",
//	  "parameters"|"payload": { ... } }
//
// Both "parameters" and "payload" are accepted on decode (some commands use
// one name, some the other, mirroring the examples in spec §6/§8); Params()
// returns whichever was present.
type Message struct {
	Command    string          `json:"command"`
	UUID       string          `json:"uuid,omitempty"`
	Token      string          `json:"token,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Reply      *bool           `json:"reply,omitempty"`
	ErrorCode  *HubCode        `json:"errorcode,omitempty"`
	ErrorStr   string          `json:"errorstring,omitempty"`
}

// Params returns Parameters if set, else Payload, else nil.
func (m *Message) Params() json.RawMessage {
	if len(m.Parameters) > 0 {
		return m.Parameters
	}
	return m.Payload
}

// Namespace returns the command's leading colon-separated segment, e.g.
// "synclist" for "synclist:append" or "user" for "user:login".
func (m *Message) Namespace() string {
	if i := strings.IndexByte(m.Command, ':'); i >= 0 {
		return m.Command[:i]
	}
	return m.Command
}

// Verb returns everything after the first colon, e.g. "append" for
// "synclist:append" or "property:set" for "synclist:property:set".
func (m *Message) Verb() string {
	if i := strings.IndexByte(m.Command, ':'); i >= 0 {
		return m.Command[i+1:]
	}
	return ""
}

// IsEmpty reports whether this is effectively a blank/no-op message (per
// §4.2, an empty message is treated the same as an explicit "ping").
func (m *Message) IsEmpty() bool {
	return m.Command == "" && m.UUID == "" && m.Token == "" && len(m.Parameters) == 0 && len(m.Payload) == 0
}

// Success builds a "<command>:success" reply, optionally carrying
// parameters (e.g. a freshly issued token).
func Success(orig string, params any) *Message {
	m := &Message{Command: orig + ":success"}
	if params != nil {
		m.Parameters, _ = json.Marshal(params)
	}
	return m
}

// Failed builds a "<command>:failed" reply carrying the wire error envelope.
func Failed(orig string, err *HubError) *Message {
	code := err.Code()
	return &Message{Command: orig + ":failed", ErrorCode: &code, ErrorStr: err.ErrorString()}
}

// Delta builds a server->client delta/broadcast message. reply marks whether
// this copy is being sent to the channel that originated the mutation (spec
// §4.8 invariant 5/§8).
func Delta(command string, params any, reply bool) *Message {
	m := &Message{Command: command, Reply: &reply}
	if params != nil {
		m.Parameters, _ = json.Marshal(params)
	}
	return m
}
