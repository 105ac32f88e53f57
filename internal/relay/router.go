package relay

import (
	"errors"
	"log"

	"github.com/ephonelabs/relaychat/internal/proto"
)

// User-facing strings. These travel to clients verbatim, so they stay
// stable across releases.
const (
	msgMissingRegisterFields = "用户ID和昵称不能为空"
	msgBadUserID             = "ID格式不正确（3-20位，仅支持字母、数字、下划线）"
	msgServerFull            = "服务器已满，请稍后再试"
	msgIDTaken               = "该ID已被使用，请更换其他ID"
	msgEmptySearchID         = "搜索ID不能为空"
	msgMissingParams         = "缺少必要参数"
	msgSelfFriend            = "不能添加自己为好友"
	msgTargetGone            = "对方不在线或不存在"
	msgIncompleteMessage     = "消息内容不完整"
	msgMessageTooLong        = "消息内容过长"
	msgTargetOffline         = "对方不在线"
	msgInternalError         = "服务器处理消息失败"
)

// Router dispatches decoded frames to the presence and relay handlers.
// Each connection's read goroutine calls Dispatch serially, so handlers
// only contend on the registry lock.
type Router struct {
	reg *Registry

	// now stamps forwarded messages that arrive without a timestamp.
	now func() int64

	// onEvent receives one line per presence change for the status feed.
	onEvent func(string)
}

func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg, now: proto.NowMillis, onEvent: func(string) {}}
}

// Dispatch decodes and handles one inbound frame.
func (rt *Router) Dispatch(c *Conn, data []byte) {
	frame, err := proto.Decode(data)
	if err != nil {
		var unknown *proto.UnknownTypeError
		if errors.As(err, &unknown) {
			log.Printf("RELAY: unknown frame type %q from %s", unknown.Tag, c.remoteAddr)
			return
		}
		log.Printf("RELAY: bad frame from %s: %v", c.remoteAddr, err)
		c.Send(&proto.Error{Type: proto.TypeError, Message: msgInternalError})
		return
	}

	switch f := frame.(type) {
	case *proto.Register:
		rt.handleRegister(c, f)
	case *proto.SearchUser:
		rt.handleSearchUser(c, f)
	case *proto.FriendRequest:
		rt.handleFriendRequest(c, f)
	case *proto.AcceptFriendRequest:
		rt.handleAcceptFriendRequest(c, f)
	case *proto.RejectFriendRequest:
		rt.handleRejectFriendRequest(c, f)
	case *proto.SendMessage:
		rt.handleSendMessage(c, f)
	case *proto.Heartbeat:
		c.Send(&proto.HeartbeatAck{Type: proto.TypeHeartbeatAck})
	default:
		// Server-bound traffic only; anything else is a confused client.
		log.Printf("RELAY: unexpected %T from %s", frame, c.remoteAddr)
	}
}

func (rt *Router) handleRegister(c *Conn, f *proto.Register) {
	log.Printf("RELAY: register from %s (user %s)", c.remoteAddr, f.UserID)

	nickname, err := rt.reg.Register(f.UserID, f.Nickname, f.Avatar, c)
	if err != nil {
		c.Send(&proto.RegisterError{Type: proto.TypeRegisterError, Error: registerErrorString(err)})
		return
	}

	// A connection that re-registers under a new id gives up its old one.
	if prev := c.userID; prev != "" && prev != f.UserID {
		rt.reg.Remove(prev, c)
	}
	c.userID = f.UserID

	count := rt.reg.Count()
	log.Printf("RELAY: user online: %s (%s) - online: %d", f.UserID, nickname, count)
	rt.onEvent("online: " + f.UserID)

	c.Send(&proto.RegisterSuccess{
		Type:     proto.TypeRegisterSuccess,
		UserID:   f.UserID,
		Nickname: f.Nickname,
	})
}

func registerErrorString(err error) string {
	switch {
	case errors.Is(err, ErrMissingFields):
		return msgMissingRegisterFields
	case errors.Is(err, ErrInvalidID):
		return msgBadUserID
	case errors.Is(err, ErrCapacity):
		return msgServerFull
	case errors.Is(err, ErrDuplicateID):
		return msgIDTaken
	default:
		return msgInternalError
	}
}

func (rt *Router) handleSearchUser(c *Conn, f *proto.SearchUser) {
	log.Printf("RELAY: search from %s for %q", c.userOrAddr(), f.SearchID)

	if f.SearchID == "" {
		c.Send(&proto.SearchResult{Type: proto.TypeSearchResult, Found: false, Error: msgEmptySearchID})
		return
	}

	u, ok := rt.reg.Lookup(f.SearchID)
	if !ok {
		c.Send(&proto.SearchResult{Type: proto.TypeSearchResult, Found: false, SearchID: f.SearchID})
		return
	}
	c.Send(&proto.SearchResult{
		Type:     proto.TypeSearchResult,
		Found:    true,
		UserID:   f.SearchID,
		Nickname: u.Nickname,
		Avatar:   u.Avatar,
		Online:   true,
	})
}

func (rt *Router) handleFriendRequest(c *Conn, f *proto.FriendRequest) {
	if f.ToUserID == "" || f.FromUserID == "" || f.FromNickname == "" {
		c.Send(&proto.Error{Type: proto.TypeError, Message: msgMissingParams})
		return
	}
	if f.ToUserID == f.FromUserID {
		c.Send(&proto.Error{Type: proto.TypeError, Message: msgSelfFriend})
		return
	}

	target, ok := rt.reg.Lookup(f.ToUserID)
	if !ok {
		c.Send(&proto.Error{Type: proto.TypeError, Message: msgTargetGone})
		return
	}

	// Forward with the routing field stripped.
	target.Conn.Send(&proto.FriendRequest{
		Type:         proto.TypeFriendRequest,
		FromUserID:   f.FromUserID,
		FromNickname: f.FromNickname,
		FromAvatar:   f.FromAvatar,
	})
	log.Printf("RELAY: friend request %s -> %s", f.FromUserID, f.ToUserID)
}

func (rt *Router) handleAcceptFriendRequest(c *Conn, f *proto.AcceptFriendRequest) {
	target, ok := rt.reg.Lookup(f.ToUserID)
	if !ok {
		// The requester went offline; the acceptance is dropped.
		return
	}
	target.Conn.Send(&proto.FriendRequestAccepted{
		Type:         proto.TypeFriendRequestAccepted,
		FromUserID:   f.FromUserID,
		FromNickname: f.FromNickname,
		FromAvatar:   f.FromAvatar,
	})
	log.Printf("RELAY: friend accept %s <-> %s", f.FromUserID, f.ToUserID)
}

func (rt *Router) handleRejectFriendRequest(c *Conn, f *proto.RejectFriendRequest) {
	target, ok := rt.reg.Lookup(f.ToUserID)
	if !ok {
		return
	}
	target.Conn.Send(&proto.FriendRequestRejected{Type: proto.TypeFriendRequestRejected})
	log.Printf("RELAY: friend reject -> %s", f.ToUserID)
}

func (rt *Router) handleSendMessage(c *Conn, f *proto.SendMessage) {
	if f.ToUserID == "" || f.FromUserID == "" || f.Message == "" {
		c.Send(&proto.Error{Type: proto.TypeError, Message: msgIncompleteMessage})
		return
	}
	if len([]rune(f.Message)) > proto.MaxMessageLen {
		c.Send(&proto.Error{Type: proto.TypeError, Message: msgMessageTooLong})
		return
	}

	target, ok := rt.reg.Lookup(f.ToUserID)
	if !ok {
		c.Send(&proto.SendMessageError{Type: proto.TypeSendMessageError, Error: msgTargetOffline})
		log.Printf("RELAY: message failed %s -> %s (target offline)", f.FromUserID, f.ToUserID)
		return
	}

	ts := f.Timestamp
	if ts == 0 {
		ts = rt.now()
	}
	target.Conn.Send(&proto.ReceiveMessage{
		Type:       proto.TypeReceiveMessage,
		FromUserID: f.FromUserID,
		Message:    f.Message,
		Timestamp:  ts,
	})
	// Chat content stays out of the logs.
	log.Printf("RELAY: message forwarded %s -> %s", f.FromUserID, f.ToUserID)
}

func (c *Conn) userOrAddr() string {
	if c.userID != "" {
		return c.userID
	}
	return c.remoteAddr
}
