// Package protocol defines the relay wire format: one JSON envelope per line.
package protocol

import "time"

// Kind identifies what an envelope carries. Values are the wire strings.
type Kind string

const (
	KindJoin      Kind = "join"
	KindLeave     Kind = "leave"
	KindBroadcast Kind = "msg"
	KindPrivate   Kind = "pm"
	KindTyping    Kind = "typing"
	KindSystem    Kind = "sys"
	KindPresence  Kind = "userlist"
)

// System bodies authored by the server.
const (
	BodyInvalidJoin    = "invalid_join"
	BodyUsernameTaken  = "username_taken"
	BodyServerShutdown = "server_shutdown"
	BodyOnlineUsers    = "Online users"
)

// Known reports whether k is one of the kinds this server understands.
func (k Kind) Known() bool {
	switch k {
	case KindJoin, KindLeave, KindBroadcast, KindPrivate, KindTyping, KindSystem, KindPresence:
		return true
	}
	return false
}

func (k Kind) requiresSender() bool {
	switch k {
	case KindJoin, KindBroadcast, KindPrivate, KindTyping:
		return true
	}
	return false
}

// Envelope is the unit exchanged over a connection.
type Envelope struct {
	Kind         Kind     `json:"type" validate:"required"`
	From         string   `json:"from,omitempty"`
	To           string   `json:"to,omitempty"`
	Body         string   `json:"text,omitempty"`
	Participants []string `json:"users,omitempty"`
	Typing       *bool    `json:"isTyping,omitempty"`
	Timestamp    int64    `json:"ts"`
}

// Stamp returns a copy of e carrying the server processing time.
func (e Envelope) Stamp(now time.Time) Envelope {
	e.Timestamp = now.Unix()
	return e
}

// IsTyping reports the typing flag; a missing flag reads as false.
func (e Envelope) IsTyping() bool {
	return e.Typing != nil && *e.Typing
}

// System builds a server notice. about names the identity the notice concerns, if any.
func System(body, about string) Envelope {
	return Envelope{Kind: KindSystem, From: about, Body: body}
}

// Joined is the notice broadcast once name enters the registry.
func Joined(name string) Envelope {
	return System(name+" has joined.", name)
}

// Left is the notice broadcast once name leaves the registry.
func Left(name string) Envelope {
	return System(name+" has left.", name)
}

// NotFound is the notice sent back when a private message has no recipient.
func NotFound(name string) Envelope {
	return System("User "+name+" not found.", "")
}

// Presence builds the list of currently registered identities.
func Presence(names []string) Envelope {
	return Envelope{
		Kind:         KindPresence,
		Body:         BodyOnlineUsers,
		Participants: append([]string(nil), names...),
	}
}

// Typing builds a typing-state envelope for from.
func Typing(from string, typing bool) Envelope {
	return Envelope{Kind: KindTyping, From: from, Typing: &typing}
}
