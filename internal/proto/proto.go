// internal/proto/proto.go
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire-level limits shared by server and client.
const (
	// MaxPayloadBytes is the largest frame either side will read.
	MaxPayloadBytes = 100 * 1024

	// MaxMessageLen is the longest chat message the router will relay,
	// counted in runes.
	MaxMessageLen = 10000
)

// Type tags one frame on the wire. Every frame carries a mandatory
// "type" field; the remaining fields depend on the tag.
type Type string

const (
	TypeRegister              Type = "register"
	TypeRegisterSuccess       Type = "register_success"
	TypeRegisterError         Type = "register_error"
	TypeSearchUser            Type = "search_user"
	TypeSearchResult          Type = "search_result"
	TypeFriendRequest         Type = "friend_request"
	TypeAcceptFriendRequest   Type = "accept_friend_request"
	TypeRejectFriendRequest   Type = "reject_friend_request"
	TypeFriendRequestAccepted Type = "friend_request_accepted"
	TypeFriendRequestRejected Type = "friend_request_rejected"
	TypeSendMessage           Type = "send_message"
	TypeReceiveMessage        Type = "receive_message"
	TypeSendMessageError      Type = "send_message_error"
	TypeHeartbeat             Type = "heartbeat"
	TypeHeartbeatAck          Type = "heartbeat_ack"
	TypeError                 Type = "error"
	TypeServerShutdown        Type = "server_shutdown"
)

// Register is sent by a client right after the transport opens.
type Register struct {
	Type     Type   `json:"type"`
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar,omitempty"`
}

type RegisterSuccess struct {
	Type     Type   `json:"type"`
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
}

type RegisterError struct {
	Type  Type   `json:"type"`
	Error string `json:"error"`
}

type SearchUser struct {
	Type     Type   `json:"type"`
	SearchID string `json:"searchId"`
}

// SearchResult always serializes "found"; the other fields depend on it.
// "online" is always true for a found user — only registered (= connected)
// users are searchable.
type SearchResult struct {
	Type     Type   `json:"type"`
	Found    bool   `json:"found"`
	SearchID string `json:"searchId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Online   bool   `json:"online,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FriendRequest is sent C→S with ToUserID set; the server forwards it to
// the target with ToUserID stripped.
type FriendRequest struct {
	Type         Type   `json:"type"`
	ToUserID     string `json:"toUserId,omitempty"`
	FromUserID   string `json:"fromUserId"`
	FromNickname string `json:"fromNickname"`
	FromAvatar   string `json:"fromAvatar,omitempty"`
}

type AcceptFriendRequest struct {
	Type         Type   `json:"type"`
	ToUserID     string `json:"toUserId"`
	FromUserID   string `json:"fromUserId"`
	FromNickname string `json:"fromNickname"`
	FromAvatar   string `json:"fromAvatar,omitempty"`
}

type RejectFriendRequest struct {
	Type     Type   `json:"type"`
	ToUserID string `json:"toUserId"`
}

type FriendRequestAccepted struct {
	Type         Type   `json:"type"`
	FromUserID   string `json:"fromUserId"`
	FromNickname string `json:"fromNickname"`
	FromAvatar   string `json:"fromAvatar,omitempty"`
}

type FriendRequestRejected struct {
	Type Type `json:"type"`
}

// SendMessage carries an optional client timestamp; zero means unset and
// the server substitutes its own clock when forwarding.
type SendMessage struct {
	Type       Type   `json:"type"`
	ToUserID   string `json:"toUserId"`
	FromUserID string `json:"fromUserId"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

type ReceiveMessage struct {
	Type       Type   `json:"type"`
	FromUserID string `json:"fromUserId"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

type SendMessageError struct {
	Type  Type   `json:"type"`
	Error string `json:"error"`
}

type Heartbeat struct {
	Type Type `json:"type"`
}

type HeartbeatAck struct {
	Type Type `json:"type"`
}

// Error is the generic server-side rejection frame.
type Error struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

type ServerShutdown struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// UnknownTypeError reports a frame whose tag is outside the catalogue.
type UnknownTypeError struct {
	Tag string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Tag)
}

// Decode parses one wire frame into its concrete variant. Callers dispatch
// with a type switch over the closed set above, so adding a frame type is a
// compile-visible change rather than a stringly branch.
func Decode(data []byte) (any, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}

	var v any
	switch Type(env.Type) {
	case TypeRegister:
		v = &Register{}
	case TypeRegisterSuccess:
		v = &RegisterSuccess{}
	case TypeRegisterError:
		v = &RegisterError{}
	case TypeSearchUser:
		v = &SearchUser{}
	case TypeSearchResult:
		v = &SearchResult{}
	case TypeFriendRequest:
		v = &FriendRequest{}
	case TypeAcceptFriendRequest:
		v = &AcceptFriendRequest{}
	case TypeRejectFriendRequest:
		v = &RejectFriendRequest{}
	case TypeFriendRequestAccepted:
		v = &FriendRequestAccepted{}
	case TypeFriendRequestRejected:
		v = &FriendRequestRejected{}
	case TypeSendMessage:
		v = &SendMessage{}
	case TypeReceiveMessage:
		v = &ReceiveMessage{}
	case TypeSendMessageError:
		v = &SendMessageError{}
	case TypeHeartbeat:
		v = &Heartbeat{}
	case TypeHeartbeatAck:
		v = &HeartbeatAck{}
	case TypeError:
		v = &Error{}
	case TypeServerShutdown:
		v = &ServerShutdown{}
	default:
		return nil, &UnknownTypeError{Tag: env.Type}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", env.Type, err)
	}
	return v, nil
}

func NowMillis() int64 { return time.Now().UnixMilli() }
