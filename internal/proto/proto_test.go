package proto

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeDispatch(t *testing.T) {
	t.Run("register", func(t *testing.T) {
		v, err := Decode([]byte(`{"type":"register","userId":"alice","nickname":"Alice","avatar":"a.png"}`))
		if err != nil {
			t.Fatal(err)
		}
		reg, ok := v.(*Register)
		if !ok {
			t.Fatalf("expected *Register, got %T", v)
		}
		if reg.UserID != "alice" || reg.Nickname != "Alice" || reg.Avatar != "a.png" {
			t.Fatalf("bad fields: %+v", reg)
		}
	})

	t.Run("send_message with timestamp", func(t *testing.T) {
		v, err := Decode([]byte(`{"type":"send_message","toUserId":"bob","fromUserId":"alice","message":"hi","timestamp":1700000000000}`))
		if err != nil {
			t.Fatal(err)
		}
		msg := v.(*SendMessage)
		if msg.Timestamp != 1700000000000 {
			t.Fatalf("expected timestamp, got %d", msg.Timestamp)
		}
	})

	t.Run("send_message without timestamp", func(t *testing.T) {
		v, err := Decode([]byte(`{"type":"send_message","toUserId":"bob","fromUserId":"alice","message":"hi"}`))
		if err != nil {
			t.Fatal(err)
		}
		if msg := v.(*SendMessage); msg.Timestamp != 0 {
			t.Fatalf("expected zero timestamp, got %d", msg.Timestamp)
		}
	})

	t.Run("heartbeat", func(t *testing.T) {
		v, err := Decode([]byte(`{"type":"heartbeat"}`))
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := v.(*Heartbeat); !ok {
			t.Fatalf("expected *Heartbeat, got %T", v)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"teleport"}`))
		var unknown *UnknownTypeError
		if !errors.As(err, &unknown) {
			t.Fatalf("expected UnknownTypeError, got %v", err)
		}
		if unknown.Tag != "teleport" {
			t.Fatalf("expected tag teleport, got %q", unknown.Tag)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		if _, err := Decode([]byte(`{"type":`)); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestSearchResultEncoding(t *testing.T) {
	t.Run("found false is always serialized", func(t *testing.T) {
		b, err := json.Marshal(&SearchResult{Type: TypeSearchResult, Found: false, SearchID: "ghost"})
		if err != nil {
			t.Fatal(err)
		}
		s := string(b)
		if !strings.Contains(s, `"found":false`) {
			t.Fatalf("found:false missing from %s", s)
		}
		if strings.Contains(s, `"nickname"`) || strings.Contains(s, `"online"`) {
			t.Fatalf("empty fields should be omitted: %s", s)
		}
	})

	t.Run("found true carries user fields", func(t *testing.T) {
		b, _ := json.Marshal(&SearchResult{
			Type: TypeSearchResult, Found: true,
			UserID: "bob", Nickname: "Bob", Online: true,
		})
		s := string(b)
		for _, want := range []string{`"found":true`, `"userId":"bob"`, `"online":true`} {
			if !strings.Contains(s, want) {
				t.Fatalf("missing %s in %s", want, s)
			}
		}
	})
}

func TestSendMessageTimestampOmitted(t *testing.T) {
	b, err := json.Marshal(&SendMessage{
		Type: TypeSendMessage, ToUserID: "bob", FromUserID: "alice", Message: "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), `"timestamp"`) {
		t.Fatalf("zero timestamp should be omitted: %s", b)
	}
}

func TestFriendRequestForwardOmitsToUserID(t *testing.T) {
	// The server re-encodes forwarded requests without the routing field.
	b, err := json.Marshal(&FriendRequest{
		Type: TypeFriendRequest, FromUserID: "alice", FromNickname: "Alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), `"toUserId"`) {
		t.Fatalf("empty toUserId should be omitted: %s", b)
	}
}
