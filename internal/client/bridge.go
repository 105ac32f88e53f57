package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/ephonelabs/relaychat/internal/config"
	"github.com/ephonelabs/relaychat/internal/proto"
	"github.com/ephonelabs/relaychat/internal/store"
)

// Conversation text shown to the user. Stable wording, matches what
// existing databases already contain.
const (
	welcomeText     = "你们已成为联机好友，现在可以开始聊天了！"
	friendAddedText = "已添加为联机好友"
	unknownFriend   = "联机好友"
)

const conversationPrefix = "online_"

// ConversationID maps a remote user id to its conversation id.
func ConversationID(userID string) string {
	return conversationPrefix + userID
}

// UserIDFromConversation is the inverse of ConversationID. ok is false
// for conversations that do not belong to a remote user.
func UserIDFromConversation(convID string) (string, bool) {
	if !strings.HasPrefix(convID, conversationPrefix) {
		return "", false
	}
	return strings.TrimPrefix(convID, conversationPrefix), true
}

// Notifier is the bridge's view of the front end. Notify carries
// user-facing notices: incoming requests, accepted requests, messages
// arriving for a conversation that is not open. A message for the open
// conversation goes to AppendMessage instead, so the front end renders
// it in place rather than raising a notice.
type Notifier interface {
	Notify(title, body string)
	AppendMessage(convID string, e store.Entry)
}

// Settings is the persisted connection state. WasConnected drives
// reconnect-on-startup.
type Settings struct {
	Enabled      bool   `json:"enabled"`
	UserID       string `json:"userId"`
	Nickname     string `json:"nickname"`
	Avatar       string `json:"avatar"`
	ServerURL    string `json:"serverUrl"`
	WasConnected bool   `json:"wasConnected"`
}

// Bridge connects the relay manager to local persistence: it files
// incoming messages into conversations, maintains the friend list, and
// records sent messages. ActiveConversation reports which conversation
// the user currently has open, so its messages skip the notifier.
type Bridge struct {
	m        *Manager
	db       *store.DB
	friends  *FriendList
	notifier Notifier

	// ActiveConversation returns the open conversation id, or "".
	ActiveConversation func() string
}

// NewBridge builds the manager/store pairing. The returned bridge owns
// the manager's event wiring.
func NewBridge(cfg config.Client, db *store.DB, notifier Notifier) (*Bridge, error) {
	friends, err := LoadFriendList(db)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		db:                 db,
		friends:            friends,
		notifier:           notifier,
		ActiveConversation: func() string { return "" },
	}

	b.m = New(cfg, Events{
		StateChanged:   b.onStateChanged,
		FriendRequest:  b.onFriendRequest,
		FriendAccepted: b.onFriendAccepted,
		FriendRejected: b.onFriendRejected,
		Message:        b.onMessage,
		SendFailed:     b.onSendFailed,
		SearchResult:   b.onSearchResult,
		ServerError:    b.onServerError,
		Shutdown:       b.onShutdown,
	})
	return b, nil
}

// Manager returns the underlying connection manager.
func (b *Bridge) Manager() *Manager { return b.m }

// Friends returns the friend list.
func (b *Bridge) Friends() *FriendList { return b.friends }

// Connect dials and registers, then records the connected state so the
// next startup resumes automatically.
func (b *Bridge) Connect(ctx context.Context) error {
	if err := b.m.Connect(ctx); err != nil {
		return err
	}
	b.saveSettings(true)
	return nil
}

// Disconnect drops the link deliberately and clears the resume flag.
func (b *Bridge) Disconnect() {
	b.m.Disconnect()
	b.saveSettings(false)
}

// ResumeIfNeeded reconnects when the previous session ended while
// connected. Called once at startup.
func (b *Bridge) ResumeIfNeeded(ctx context.Context) {
	s, err := b.loadSettings()
	if err != nil {
		log.Printf("CLIENT: load settings: %v", err)
		return
	}
	if !s.WasConnected {
		return
	}
	log.Printf("CLIENT: previous session was connected, resuming")
	if err := b.Connect(ctx); err != nil {
		log.Printf("CLIENT: resume failed: %v", err)
	}
}

// SendText relays text to a friend and records it in the conversation.
// The local copy is written optimistically; a relay failure surfaces
// later through the notifier.
func (b *Bridge) SendText(friendUserID, text string) error {
	if err := b.m.SendMessage(friendUserID, text); err != nil {
		return err
	}

	convID := ConversationID(friendUserID)
	conv, err := b.db.Get(convID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("no conversation for %s", friendUserID)
	}

	now := proto.NowMillis()
	conv.History = append(conv.History, store.Entry{
		ID:        uuid.NewString(),
		Role:      store.RoleSelf,
		Content:   text,
		Timestamp: now,
	})
	conv.LastMessage = text
	conv.Timestamp = now
	return b.db.Put(conv)
}

// SearchFriend looks a user id up on the server. Self-search is rejected
// locally, as the original shell does; the result arrives asynchronously
// through the notifier.
func (b *Bridge) SearchFriend(searchID string) error {
	if searchID == "" {
		return errors.New("search id is required")
	}
	if searchID == b.m.UserID() {
		return errors.New("不能添加自己为好友")
	}
	return b.m.SearchUser(searchID)
}

// AcceptRequest accepts a pending friend request: the requester is
// notified, added as a friend, and a conversation is created.
func (b *Bridge) AcceptRequest(userID string) error {
	req, ok, err := b.friends.TakeRequest(userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no pending request from %s", userID)
	}

	if err := b.m.AcceptFriendRequest(userID); err != nil {
		log.Printf("CLIENT: accept notification not sent: %v", err)
	}

	f := Friend{UserID: req.UserID, Nickname: req.Nickname, Avatar: req.Avatar, Online: false}
	if err := b.friends.AddFriend(f); err != nil {
		return err
	}
	return b.ensureConversation(f)
}

// RejectRequest declines a pending friend request.
func (b *Bridge) RejectRequest(userID string) error {
	_, ok, err := b.friends.TakeRequest(userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no pending request from %s", userID)
	}
	if err := b.m.RejectFriendRequest(userID); err != nil {
		log.Printf("CLIENT: reject notification not sent: %v", err)
	}
	return nil
}

// DeleteFriend removes a friend and its conversation, history included.
func (b *Bridge) DeleteFriend(userID string) error {
	_, ok, err := b.friends.RemoveFriend(userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no friend %s", userID)
	}
	return b.db.Delete(ConversationID(userID))
}

func (b *Bridge) onStateChanged(s State) {
	log.Printf("CLIENT: state -> %s", s)
}

func (b *Bridge) onFriendRequest(req Request) {
	if err := b.friends.AddRequest(req); err != nil {
		log.Printf("CLIENT: save friend request: %v", err)
		return
	}
	b.notify("好友申请", fmt.Sprintf("%s 请求添加你为好友", req.Nickname))
}

func (b *Bridge) onFriendAccepted(f Friend) {
	if err := b.friends.AddFriend(f); err != nil {
		log.Printf("CLIENT: save friend: %v", err)
		return
	}
	if err := b.ensureConversation(f); err != nil {
		log.Printf("CLIENT: create conversation: %v", err)
	}
	b.notify("好友申请", fmt.Sprintf("%s 接受了你的好友申请", f.Nickname))
}

func (b *Bridge) onFriendRejected() {
	b.notify("好友申请", "对方拒绝了你的好友申请")
}

// onMessage files an inbound chat message into its conversation,
// creating the conversation on the fly when it is missing.
func (b *Bridge) onMessage(fromUserID, text string, timestamp int64) {
	convID := ConversationID(fromUserID)

	conv, err := b.db.Get(convID)
	if err != nil {
		log.Printf("CLIENT: load conversation %s: %v", convID, err)
		return
	}
	if conv == nil {
		name, avatar := unknownFriend, ""
		for _, f := range b.friends.Friends() {
			if f.UserID == fromUserID {
				name, avatar = f.Nickname, f.Avatar
				break
			}
		}
		conv = &store.Conversation{
			ID:           convID,
			Name:         name,
			Avatar:       avatar,
			OnlineUserID: fromUserID,
			History:      []store.Entry{},
			Settings:     map[string]any{},
		}
	}

	entry := store.Entry{
		ID:        uuid.NewString(),
		Role:      store.RolePeer,
		Content:   text,
		Timestamp: timestamp,
	}
	conv.History = append(conv.History, entry)
	conv.LastMessage = text
	conv.Timestamp = timestamp
	conv.Unread++

	if err := b.db.Put(conv); err != nil {
		log.Printf("CLIENT: save conversation %s: %v", convID, err)
		return
	}

	if b.ActiveConversation() == convID {
		if b.notifier != nil {
			b.notifier.AppendMessage(convID, entry)
		}
		return
	}
	b.notify(conv.Name, text)
}

func (b *Bridge) onSendFailed(reason string) {
	b.notify("发送失败", reason)
}

// onSearchResult reports the outcome the way the original shell renders
// its search card: not found, found but already a friend, or addable.
func (b *Bridge) onSearchResult(r *proto.SearchResult) {
	if !r.Found {
		if r.Error != "" {
			b.notify("搜索结果", r.Error)
			return
		}
		b.notify("搜索结果", fmt.Sprintf("未找到用户 %q", r.SearchID))
		return
	}

	status := "离线"
	if r.Online {
		status = "在线"
	}
	if b.friends.IsFriend(r.UserID) {
		b.notify("搜索结果", fmt.Sprintf("%s (ID: %s, %s) 已是好友", r.Nickname, r.UserID, status))
		return
	}
	b.notify("搜索结果", fmt.Sprintf("%s (ID: %s, %s) 可添加为好友", r.Nickname, r.UserID, status))
}

func (b *Bridge) onServerError(message string) {
	b.notify("服务器消息", message)
}

func (b *Bridge) onShutdown(message string) {
	b.notify("服务器维护", message)
}

func (b *Bridge) notify(title, body string) {
	if b.notifier != nil {
		b.notifier.Notify(title, body)
	}
}

// ensureConversation creates the friend's conversation with a welcome
// line, or refreshes name and avatar when it already exists.
func (b *Bridge) ensureConversation(f Friend) error {
	convID := ConversationID(f.UserID)
	now := proto.NowMillis()

	conv, err := b.db.Get(convID)
	if err != nil {
		return err
	}
	if conv != nil {
		conv.Name = f.Nickname
		conv.Avatar = f.Avatar
		conv.LastMessage = friendAddedText
		conv.Timestamp = now
		return b.db.Put(conv)
	}

	return b.db.Put(&store.Conversation{
		ID:           convID,
		Name:         f.Nickname,
		Avatar:       f.Avatar,
		LastMessage:  friendAddedText,
		Timestamp:    now,
		OnlineUserID: f.UserID,
		History: []store.Entry{{
			ID:        uuid.NewString(),
			Role:      store.RoleSystem,
			Content:   welcomeText,
			Timestamp: now,
		}},
		Settings: map[string]any{},
	})
}

func (b *Bridge) loadSettings() (Settings, error) {
	raw, err := b.db.GetValue(keySettings)
	if err != nil {
		return Settings{}, err
	}
	if raw == "" {
		return Settings{}, nil
	}
	var s Settings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}

func (b *Bridge) saveSettings(wasConnected bool) {
	s := Settings{
		Enabled:      true,
		UserID:       b.m.UserID(),
		Nickname:     b.m.Nickname(),
		Avatar:       b.m.Avatar(),
		ServerURL:    b.m.serverURL,
		WasConnected: wasConnected,
	}
	raw, err := json.Marshal(s)
	if err != nil {
		log.Printf("CLIENT: encode settings: %v", err)
		return
	}
	if err := b.db.SetValue(keySettings, string(raw)); err != nil {
		log.Printf("CLIENT: save settings: %v", err)
	}
}
