// Package client implements the connection manager for the relay
// protocol: registration, heartbeat, automatic reconnection and the
// friend and messaging operations built on top of it.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ephonelabs/relaychat/internal/config"
	"github.com/ephonelabs/relaychat/internal/proto"
	"github.com/ephonelabs/relaychat/internal/util"
)

// ErrNotConnected is returned by operations that need a registered
// connection.
var ErrNotConnected = errors.New("not connected to server")

// RegisterError carries the server's reason for refusing a registration.
type RegisterError struct {
	Reason string
}

func (e *RegisterError) Error() string {
	return fmt.Sprintf("registration rejected: %s", e.Reason)
}

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

const (
	maxReconnectAttempts = 999
	maxHeartbeatMissed   = 3
)

// Events are the callbacks a consumer can hook. All of them are invoked
// from the manager's read goroutine; handlers must not block.
type Events struct {
	StateChanged   func(State)
	SearchResult   func(*proto.SearchResult)
	FriendRequest  func(from Request)
	FriendAccepted func(f Friend)
	FriendRejected func()
	Message        func(fromUserID, text string, timestamp int64)
	SendFailed     func(reason string)
	ServerError    func(message string)
	Shutdown       func(message string)
}

// Manager owns the client side of the relay connection.
type Manager struct {
	serverURL string
	userID    string
	nickname  string
	avatar    string

	heartbeatEvery time.Duration
	staleAfter     time.Duration

	dialer *websocket.Dialer
	events Events

	// wmu serializes socket writes; gorilla allows one writer at a time.
	wmu sync.Mutex

	mu             sync.Mutex
	state          State
	ws             *websocket.Conn
	generation     int
	autoReconnect  bool
	attempts       int
	reconnectTimer *time.Timer
	lastAck        time.Time
	missed         int
	regResult      chan error
}

func New(cfg config.Client, events Events) *Manager {
	return &Manager{
		serverURL:      cfg.ServerURL,
		userID:         cfg.UserID,
		nickname:       cfg.Nickname,
		avatar:         cfg.Avatar,
		heartbeatEvery: time.Duration(cfg.HeartbeatSec) * time.Second,
		staleAfter:     time.Duration(cfg.StaleSec) * time.Second,
		dialer:         websocket.DefaultDialer,
		events:         events,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the identity this manager registers under.
func (m *Manager) UserID() string { return m.userID }

// Nickname returns the configured display name.
func (m *Manager) Nickname() string { return m.nickname }

// Avatar returns the configured avatar reference.
func (m *Manager) Avatar() string { return m.avatar }

// Connect dials the server and registers. It blocks until the server
// accepts or rejects the registration; a rejection comes back as a
// *RegisterError carrying the server's reason.
func (m *Manager) Connect(ctx context.Context) error {
	if m.serverURL == "" || m.userID == "" || m.nickname == "" {
		return errors.New("server url, user id and nickname are required")
	}

	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateConnecting {
		m.mu.Unlock()
		return errors.New("connect already in progress")
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.generation++
	gen := m.generation
	m.setStateLocked(StateConnecting)
	url := m.serverURL
	m.mu.Unlock()

	ws, resp, err := m.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.mu.Lock()
		if m.autoReconnect {
			m.scheduleReconnectLocked()
		} else {
			m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		return fmt.Errorf("dial %s: %w", url, err)
	}

	regCh := make(chan error, 1)
	m.mu.Lock()
	m.ws = ws
	m.regResult = regCh
	m.mu.Unlock()

	go m.readLoop(ws, gen)

	if err := m.writeFrame(ws, &proto.Register{
		Type:     proto.TypeRegister,
		UserID:   m.userID,
		Nickname: m.nickname,
		Avatar:   m.avatar,
	}); err != nil {
		ws.Close()
		return fmt.Errorf("send register: %w", err)
	}

	select {
	case err := <-regCh:
		return err
	case <-ctx.Done():
		ws.Close()
		return ctx.Err()
	case <-time.After(util.DefaultRegisterTimeout):
		ws.Close()
		return errors.New("timed out waiting for registration result")
	}
}

// Disconnect closes the connection deliberately. No reconnection is
// attempted until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.autoReconnect = false
	m.attempts = 0
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.generation++ // orphan any running read and heartbeat loops
	ws := m.ws
	m.ws = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	log.Printf("CLIENT: disconnected by user")
}

// NotifyVisible tells the manager the application came back to the
// foreground. A dropped link reconnects immediately with the backoff
// reset; a live link gets a health-check heartbeat.
func (m *Manager) NotifyVisible() {
	m.mu.Lock()
	switch {
	case m.autoReconnect && m.state != StateConnected:
		m.attempts = 0
		if m.reconnectTimer != nil {
			m.reconnectTimer.Stop()
			m.reconnectTimer = nil
		}
		m.mu.Unlock()
		log.Printf("CLIENT: visible again, reconnecting")
		go func() { _ = m.Connect(context.Background()) }()
	case m.state == StateConnected:
		ws := m.ws
		m.mu.Unlock()
		_ = m.writeFrame(ws, &proto.Heartbeat{Type: proto.TypeHeartbeat})
	default:
		m.mu.Unlock()
	}
}

// SearchUser asks the server whether a user id is online.
func (m *Manager) SearchUser(searchID string) error {
	return m.sendConnected(&proto.SearchUser{Type: proto.TypeSearchUser, SearchID: searchID})
}

// SendFriendRequest asks the server to forward a friend request.
func (m *Manager) SendFriendRequest(toUserID string) error {
	return m.sendConnected(&proto.FriendRequest{
		Type:         proto.TypeFriendRequest,
		ToUserID:     toUserID,
		FromUserID:   m.userID,
		FromNickname: m.nickname,
		FromAvatar:   m.avatar,
	})
}

// AcceptFriendRequest notifies the requester their request was accepted.
func (m *Manager) AcceptFriendRequest(toUserID string) error {
	return m.sendConnected(&proto.AcceptFriendRequest{
		Type:         proto.TypeAcceptFriendRequest,
		ToUserID:     toUserID,
		FromUserID:   m.userID,
		FromNickname: m.nickname,
		FromAvatar:   m.avatar,
	})
}

// RejectFriendRequest notifies the requester their request was rejected.
func (m *Manager) RejectFriendRequest(toUserID string) error {
	return m.sendConnected(&proto.RejectFriendRequest{
		Type:     proto.TypeRejectFriendRequest,
		ToUserID: toUserID,
	})
}

// SendMessage relays a chat message to another user. Delivery is
// fire-and-forget: a failure comes back later as a SendFailed event.
func (m *Manager) SendMessage(toUserID, text string) error {
	return m.sendConnected(&proto.SendMessage{
		Type:       proto.TypeSendMessage,
		ToUserID:   toUserID,
		FromUserID: m.userID,
		Message:    text,
		Timestamp:  proto.NowMillis(),
	})
}

func (m *Manager) sendConnected(v any) error {
	m.mu.Lock()
	if m.state != StateConnected || m.ws == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	ws := m.ws
	m.mu.Unlock()
	return m.writeFrame(ws, v)
}

func (m *Manager) writeFrame(ws *websocket.Conn, v any) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(util.ShortTimeout))
	return ws.WriteJSON(v)
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if cb := m.events.StateChanged; cb != nil {
		go cb(s)
	}
}

// readLoop owns the socket's read side for one connection generation.
func (m *Manager) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.onSocketClosed(ws, gen)
			return
		}
		m.handleFrame(data)
	}
}

func (m *Manager) handleFrame(data []byte) {
	frame, err := proto.Decode(data)
	if err != nil {
		var unknown *proto.UnknownTypeError
		if errors.As(err, &unknown) {
			log.Printf("CLIENT: unknown frame type %q", unknown.Tag)
			return
		}
		log.Printf("CLIENT: bad frame: %v", err)
		return
	}

	switch f := frame.(type) {
	case *proto.RegisterSuccess:
		m.onRegistered()
	case *proto.RegisterError:
		m.onRegisterError(f.Error)
	case *proto.SearchResult:
		if cb := m.events.SearchResult; cb != nil {
			cb(f)
		}
	case *proto.FriendRequest:
		if cb := m.events.FriendRequest; cb != nil {
			cb(Request{
				UserID:    f.FromUserID,
				Nickname:  f.FromNickname,
				Avatar:    f.FromAvatar,
				Timestamp: proto.NowMillis(),
			})
		}
	case *proto.FriendRequestAccepted:
		if cb := m.events.FriendAccepted; cb != nil {
			cb(Friend{
				UserID:   f.FromUserID,
				Nickname: f.FromNickname,
				Avatar:   f.FromAvatar,
				Online:   true,
			})
		}
	case *proto.FriendRequestRejected:
		if cb := m.events.FriendRejected; cb != nil {
			cb()
		}
	case *proto.ReceiveMessage:
		if cb := m.events.Message; cb != nil {
			cb(f.FromUserID, f.Message, f.Timestamp)
		}
	case *proto.SendMessageError:
		log.Printf("CLIENT: message delivery failed: %s", f.Error)
		if cb := m.events.SendFailed; cb != nil {
			cb(f.Error)
		}
	case *proto.HeartbeatAck:
		m.mu.Lock()
		m.missed = 0
		m.lastAck = time.Now()
		m.mu.Unlock()
	case *proto.Error:
		log.Printf("CLIENT: server error: %s", f.Message)
		if cb := m.events.ServerError; cb != nil {
			cb(f.Message)
		}
	case *proto.ServerShutdown:
		log.Printf("CLIENT: server shutting down: %s", f.Message)
		if cb := m.events.Shutdown; cb != nil {
			cb(f.Message)
		}
	default:
		log.Printf("CLIENT: unexpected %T", frame)
	}
}

func (m *Manager) onRegistered() {
	m.mu.Lock()
	m.setStateLocked(StateConnected)
	m.autoReconnect = true
	m.attempts = 0
	m.missed = 0
	m.lastAck = time.Now()
	gen := m.generation
	if m.regResult != nil {
		m.regResult <- nil
		m.regResult = nil
	}
	m.mu.Unlock()

	log.Printf("CLIENT: registered as %s", m.userID)
	go m.heartbeatLoop(gen)
}

func (m *Manager) onRegisterError(reason string) {
	m.mu.Lock()
	m.setStateLocked(StateDisconnected)
	ws := m.ws
	m.ws = nil
	m.generation++
	if m.regResult != nil {
		m.regResult <- &RegisterError{Reason: reason}
		m.regResult = nil
	}
	m.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	log.Printf("CLIENT: registration rejected: %s", reason)
}

func (m *Manager) onSocketClosed(ws *websocket.Conn, gen int) {
	ws.Close()

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	if m.ws == ws {
		m.ws = nil
	}
	if m.regResult != nil {
		m.regResult <- errors.New("connection closed before registration completed")
		m.regResult = nil
	}
	if m.autoReconnect {
		m.scheduleReconnectLocked()
	} else {
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	log.Printf("CLIENT: connection closed")
}

// heartbeatLoop sends a heartbeat every interval and watches for missing
// acks. Three intervals past the stale threshold without an ack, the
// socket is closed to force a reconnect.
func (m *Manager) heartbeatLoop(gen int) {
	t := time.NewTicker(m.heartbeatEvery)
	defer t.Stop()

	for range t.C {
		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			return
		}
		if m.state != StateConnected || m.ws == nil {
			if m.autoReconnect {
				m.scheduleReconnectLocked()
			}
			m.mu.Unlock()
			return
		}
		ws := m.ws
		forceClose := false
		if !m.lastAck.IsZero() && time.Since(m.lastAck) > m.staleAfter {
			m.missed++
			log.Printf("CLIENT: heartbeat stale (%d missed)", m.missed)
			if m.missed >= maxHeartbeatMissed {
				forceClose = true
			}
		}
		m.mu.Unlock()

		if forceClose {
			log.Printf("CLIENT: heartbeats lost, closing connection to trigger reconnect")
			ws.Close()
			return
		}
		_ = m.writeFrame(ws, &proto.Heartbeat{Type: proto.TypeHeartbeat})
	}
}

// reconnectDelay is the backoff before reconnection attempt n (1-based):
// 3s plus 2s per attempt, capped at 30s.
func reconnectDelay(attempt int) time.Duration {
	d := 3*time.Second + time.Duration(attempt)*2*time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (m *Manager) scheduleReconnectLocked() {
	if !m.autoReconnect {
		return
	}
	if m.attempts >= maxReconnectAttempts {
		log.Printf("CLIENT: giving up after %d reconnect attempts", m.attempts)
		m.setStateLocked(StateDisconnected)
		return
	}
	m.setStateLocked(StateReconnecting)
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.attempts++
	attempt := m.attempts
	delay := reconnectDelay(attempt)
	log.Printf("CLIENT: reconnect attempt %d in %s", attempt, delay)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		log.Printf("CLIENT: running reconnect attempt %d", attempt)
		_ = m.Connect(context.Background())
	})
}
