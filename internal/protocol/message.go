// Package protocol defines the JSON envelopes exchanged between chat clients
// and the relay, along with the codec that frames them on the wire.
package protocol

import (
	"encoding/json"
	"time"
)

// Message kinds sent by clients.
const (
	TypeJoin      = "join"
	TypeChat      = "chat"
	TypeClockSync = "clock_sync"
	TypeLeave     = "leave"
)

// Message kinds sent by the server.
const (
	TypeJoinSuccess       = "join_success"
	TypeUserJoined        = "user_joined"
	TypeChatMessage       = "chat_message"
	TypeMessageDelivered  = "message_delivered"
	TypeClockSyncResponse = "clock_sync_response"
	TypeUserLeft          = "user_left"
)

// Message is one self-describing envelope. Type reports the value of the
// envelope's "type" field.
type Message interface {
	Type() string
}

// Join announces a client under a display name.
type Join struct {
	Username  string  `json:"username"`
	Timestamp float64 `json:"timestamp"`
}

// Chat carries one line of user text.
type Chat struct {
	Message   string  `json:"message"`
	Username  string  `json:"username"`
	Timestamp float64 `json:"timestamp"`
}

// ClockSync asks the server for its current time. ClientTime is nil when the
// client did not send one.
type ClockSync struct {
	ClientTime *float64 `json:"client_time,omitempty"`
}

// Leave announces an orderly departure.
type Leave struct {
	Username  string  `json:"username"`
	Timestamp float64 `json:"timestamp"`
}

// JoinSuccess acknowledges a join to the joining client only.
type JoinSuccess struct {
	Message      string  `json:"message"`
	ServerTime   float64 `json:"server_time"`
	ClientsCount int     `json:"clients_count"`
}

// UserJoined notifies the other clients of a join.
type UserJoined struct {
	Username     string  `json:"username"`
	Message      string  `json:"message"`
	Timestamp    float64 `json:"timestamp"`
	ClientsCount int     `json:"clients_count"`
}

// ChatMessage is a relayed chat line.
type ChatMessage struct {
	Username      string  `json:"username"`
	Message       string  `json:"message"`
	Timestamp     float64 `json:"timestamp"`
	SenderAddress Address `json:"sender_address"`
}

// MessageDelivered acknowledges a chat to its sender.
type MessageDelivered struct {
	Timestamp float64 `json:"timestamp"`
}

// ClockSyncResponse answers a ClockSync. EstimatedRTT is a server-side
// placeholder; only the client can observe the real round trip.
type ClockSyncResponse struct {
	ServerTime        float64 `json:"server_time"`
	ClientRequestTime float64 `json:"client_request_time"`
	EstimatedRTT      float64 `json:"estimated_rtt"`
}

// UserLeft notifies the remaining clients of a departure.
type UserLeft struct {
	Username     string  `json:"username"`
	Message      string  `json:"message"`
	Timestamp    float64 `json:"timestamp"`
	ClientsCount int     `json:"clients_count"`
}

func (Join) Type() string              { return TypeJoin }
func (Chat) Type() string              { return TypeChat }
func (ClockSync) Type() string         { return TypeClockSync }
func (Leave) Type() string             { return TypeLeave }
func (JoinSuccess) Type() string       { return TypeJoinSuccess }
func (UserJoined) Type() string        { return TypeUserJoined }
func (ChatMessage) Type() string       { return TypeChatMessage }
func (MessageDelivered) Type() string  { return TypeMessageDelivered }
func (ClockSyncResponse) Type() string { return TypeClockSyncResponse }
func (UserLeft) Type() string          { return TypeUserLeft }

// The MarshalJSON methods below add the "type" tag next to the payload fields.
// Each one goes through a local alias so the call does not recurse.

func (m Join) MarshalJSON() ([]byte, error) {
	type alias Join
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeJoin, alias(m)})
}

func (m Chat) MarshalJSON() ([]byte, error) {
	type alias Chat
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeChat, alias(m)})
}

func (m ClockSync) MarshalJSON() ([]byte, error) {
	type alias ClockSync
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeClockSync, alias(m)})
}

func (m Leave) MarshalJSON() ([]byte, error) {
	type alias Leave
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeLeave, alias(m)})
}

func (m JoinSuccess) MarshalJSON() ([]byte, error) {
	type alias JoinSuccess
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeJoinSuccess, alias(m)})
}

func (m UserJoined) MarshalJSON() ([]byte, error) {
	type alias UserJoined
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeUserJoined, alias(m)})
}

func (m ChatMessage) MarshalJSON() ([]byte, error) {
	type alias ChatMessage
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeChatMessage, alias(m)})
}

func (m MessageDelivered) MarshalJSON() ([]byte, error) {
	type alias MessageDelivered
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeMessageDelivered, alias(m)})
}

func (m ClockSyncResponse) MarshalJSON() ([]byte, error) {
	type alias ClockSyncResponse
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeClockSyncResponse, alias(m)})
}

func (m UserLeft) MarshalJSON() ([]byte, error) {
	type alias UserLeft
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeUserLeft, alias(m)})
}

// Timestamp converts t to floating point seconds since the Unix epoch, the
// time representation used on the wire.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Time converts wire seconds back into a time.Time.
func Time(ts float64) time.Time {
	return time.Unix(0, int64(ts*float64(time.Second)))
}
