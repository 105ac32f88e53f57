package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ephonelabs/relaychat/internal/config"
	"github.com/ephonelabs/relaychat/internal/proto"
)

// fakeRelay is a minimal server-side peer for manager tests: it accepts
// or rejects registrations and optionally stops acknowledging heartbeats.
type fakeRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	conns        []*websocket.Conn
	rejectReason string
	silentAcks   bool

	// wmu serializes writes; the handler and the test both push frames.
	wmu sync.Mutex
}

func (f *fakeRelay) writeJSON(ws *websocket.Conn, v any) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	return ws.WriteJSON(v)
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRelay) setReject(reason string) {
	f.mu.Lock()
	f.rejectReason = reason
	f.mu.Unlock()
}

func (f *fakeRelay) setSilentAcks(v bool) {
	f.mu.Lock()
	f.silentAcks = v
	f.mu.Unlock()
}

func (f *fakeRelay) closeAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, ws := range conns {
		ws.Close()
	}
}

func (f *fakeRelay) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, ws)
	f.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := proto.Decode(data)
		if err != nil {
			continue
		}
		switch fr := frame.(type) {
		case *proto.Register:
			f.mu.Lock()
			reason := f.rejectReason
			f.mu.Unlock()
			if reason != "" {
				f.writeJSON(ws, &proto.RegisterError{Type: proto.TypeRegisterError, Error: reason})
				continue
			}
			f.writeJSON(ws, &proto.RegisterSuccess{
				Type:     proto.TypeRegisterSuccess,
				UserID:   fr.UserID,
				Nickname: fr.Nickname,
			})
		case *proto.Heartbeat:
			f.mu.Lock()
			silent := f.silentAcks
			f.mu.Unlock()
			if !silent {
				f.writeJSON(ws, &proto.HeartbeatAck{Type: proto.TypeHeartbeatAck})
			}
		}
	}
}

func testClientConfig(url string) config.Client {
	return config.Client{
		ServerURL:    url,
		UserID:       "alice",
		Nickname:     "Alice",
		HeartbeatSec: 1,
		StaleSec:     2,
	}
}

func newTestManager(t *testing.T, url string, events Events) *Manager {
	t.Helper()
	m := New(testClientConfig(url), events)
	t.Cleanup(m.Disconnect)
	return m
}

// snapshot reads the manager internals under its lock.
func snapshot(m *Manager) (state State, attempts int, auto bool, timerSet bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.attempts, m.autoReconnect, m.reconnectTimer != nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestReconnectDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 7 * time.Second},
		{13, 29 * time.Second},
		{14, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, c := range cases {
		if got := reconnectDelay(c.attempt); got != c.want {
			t.Errorf("reconnectDelay(%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}

func TestConnectRegisters(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay.url(), Events{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateConnected {
		t.Fatalf("state = %s, want connected", m.State())
	}

	// A second Connect on a live link is a no-op.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestConnectRejected(t *testing.T) {
	relay := newFakeRelay(t)
	relay.setReject("该ID已被使用，请更换其他ID")
	m := newTestManager(t, relay.url(), Events{})

	err := m.Connect(context.Background())
	var re *RegisterError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RegisterError, got %v", err)
	}
	if re.Reason != "该ID已被使用，请更换其他ID" {
		t.Fatalf("reason = %q", re.Reason)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", m.State())
	}
}

func TestConnectDialFailure(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1", Events{})
	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	// No prior registration, so no reconnection is scheduled.
	if _, attempts, auto, timerSet := snapshot(m); attempts != 0 || auto || timerSet {
		t.Fatalf("unexpected reconnect state: attempts=%d auto=%v timer=%v", attempts, auto, timerSet)
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay.url(), Events{})

	if err := m.SendMessage("bob", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
	if err := m.SearchUser("bob"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestLostLinkSchedulesReconnect(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay.url(), Events{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	relay.closeAll()

	waitFor(t, 3*time.Second, func() bool {
		state, attempts, _, timerSet := snapshot(m)
		return state == StateReconnecting && attempts == 1 && timerSet
	}, "reconnect not scheduled after link loss")

	t.Run("disconnect suppresses reconnect", func(t *testing.T) {
		m.Disconnect()
		state, attempts, auto, timerSet := snapshot(m)
		if state != StateDisconnected || auto || timerSet || attempts != 0 {
			t.Fatalf("reconnect not suppressed: state=%s attempts=%d auto=%v timer=%v",
				state, attempts, auto, timerSet)
		}
	})
}

func TestNotifyVisibleReconnectsImmediately(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay.url(), Events{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	relay.closeAll()
	waitFor(t, 3*time.Second, func() bool {
		state, _, _, _ := snapshot(m)
		return state == StateReconnecting
	}, "link loss not noticed")

	// The scheduled retry is still several seconds out; visibility skips it.
	m.NotifyVisible()
	waitFor(t, 3*time.Second, func() bool {
		return m.State() == StateConnected
	}, "did not reconnect on visibility")
}

func TestHeartbeatForceClose(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	relay := newFakeRelay(t)
	m := newTestManager(t, relay.url(), Events{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Stop acking; with a 1s heartbeat and 2s stale threshold the third
	// stale tick closes the socket and schedules a reconnect.
	relay.setSilentAcks(true)

	waitFor(t, 10*time.Second, func() bool {
		state, attempts, _, _ := snapshot(m)
		return state == StateReconnecting && attempts >= 1
	}, "stale heartbeats did not force a reconnect")
}

func TestEventCallbacks(t *testing.T) {
	relay := newFakeRelay(t)

	type received struct {
		from string
		text string
		ts   int64
	}
	msgCh := make(chan received, 1)
	reqCh := make(chan Request, 1)
	accCh := make(chan Friend, 1)

	m := newTestManager(t, relay.url(), Events{
		Message: func(from, text string, ts int64) {
			msgCh <- received{from, text, ts}
		},
		FriendRequest:  func(r Request) { reqCh <- r },
		FriendAccepted: func(f Friend) { accCh <- f },
	})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	relay.mu.Lock()
	ws := relay.conns[0]
	relay.mu.Unlock()

	t.Run("receive_message", func(t *testing.T) {
		relay.writeJSON(ws, &proto.ReceiveMessage{
			Type: proto.TypeReceiveMessage, FromUserID: "bob", Message: "hey", Timestamp: 42,
		})
		select {
		case got := <-msgCh:
			if got.from != "bob" || got.text != "hey" || got.ts != 42 {
				t.Fatalf("bad event: %+v", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("message event not delivered")
		}
	})

	t.Run("friend_request", func(t *testing.T) {
		relay.writeJSON(ws, &proto.FriendRequest{
			Type: proto.TypeFriendRequest, FromUserID: "bob", FromNickname: "Bob",
		})
		select {
		case got := <-reqCh:
			if got.UserID != "bob" || got.Nickname != "Bob" || got.Timestamp == 0 {
				t.Fatalf("bad event: %+v", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("request event not delivered")
		}
	})

	t.Run("friend_request_accepted", func(t *testing.T) {
		relay.writeJSON(ws, &proto.FriendRequestAccepted{
			Type: proto.TypeFriendRequestAccepted, FromUserID: "bob", FromNickname: "Bob",
		})
		select {
		case got := <-accCh:
			if got.UserID != "bob" || !got.Online {
				t.Fatalf("bad event: %+v", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("accepted event not delivered")
		}
	})
}
