package store

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConversationLifecycle(t *testing.T) {
	db := openTestDB(t)

	t.Run("get absent returns nil", func(t *testing.T) {
		conv, err := db.Get("online_ghost")
		if err != nil {
			t.Fatal(err)
		}
		if conv != nil {
			t.Fatalf("expected nil, got %+v", conv)
		}
	})

	t.Run("put and get roundtrip", func(t *testing.T) {
		in := &Conversation{
			ID:           "online_bob",
			Name:         "Bob",
			Avatar:       "b.png",
			LastMessage:  "hey",
			Timestamp:    1700000000000,
			Unread:       2,
			Pinned:       true,
			OnlineUserID: "bob",
			History: []Entry{
				{ID: "e1", Role: RoleSystem, Content: "你们已成为联机好友，现在可以开始聊天了！", Timestamp: 1},
				{ID: "e2", Role: RolePeer, Content: "hey", Timestamp: 2},
			},
			Settings: map[string]any{"muted": true},
		}
		if err := db.Put(in); err != nil {
			t.Fatal(err)
		}

		out, err := db.Get("online_bob")
		if err != nil {
			t.Fatal(err)
		}
		if out == nil {
			t.Fatal("conversation missing")
		}
		if out.Name != "Bob" || !out.Pinned || out.Unread != 2 || out.OnlineUserID != "bob" {
			t.Fatalf("bad fields: %+v", out)
		}
		if len(out.History) != 2 || out.History[1].Role != RolePeer {
			t.Fatalf("bad history: %+v", out.History)
		}
		if muted, _ := out.Settings["muted"].(bool); !muted {
			t.Fatalf("bad settings: %+v", out.Settings)
		}
	})

	t.Run("put replaces", func(t *testing.T) {
		conv, _ := db.Get("online_bob")
		conv.Unread = 0
		conv.History = append(conv.History, Entry{ID: "e3", Role: RoleSelf, Content: "yo", Timestamp: 3})
		if err := db.Put(conv); err != nil {
			t.Fatal(err)
		}
		out, _ := db.Get("online_bob")
		if out.Unread != 0 || len(out.History) != 3 {
			t.Fatalf("update not applied: %+v", out)
		}
	})

	t.Run("all orders by recency", func(t *testing.T) {
		if err := db.Put(&Conversation{ID: "online_carol", Name: "Carol", Timestamp: 1800000000000}); err != nil {
			t.Fatal(err)
		}
		all, err := db.All()
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 conversations, got %d", len(all))
		}
		if all[0].ID != "online_carol" {
			t.Fatalf("expected most recent first, got %s", all[0].ID)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := db.Delete("online_bob"); err != nil {
			t.Fatal(err)
		}
		if conv, _ := db.Get("online_bob"); conv != nil {
			t.Fatal("conversation still present")
		}
		// deleting again is not an error
		if err := db.Delete("online_bob"); err != nil {
			t.Fatal(err)
		}
	})
}

func TestKV(t *testing.T) {
	db := openTestDB(t)

	if v, err := db.GetValue("missing"); err != nil || v != "" {
		t.Fatalf("expected empty value, got %q err %v", v, err)
	}

	if err := db.SetValue("ephone-online-settings", `{"wasConnected":true}`); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetValue("ephone-online-settings"); v != `{"wasConnected":true}` {
		t.Fatalf("got %q", v)
	}

	if err := db.SetValue("ephone-online-settings", `{"wasConnected":false}`); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetValue("ephone-online-settings"); v != `{"wasConnected":false}` {
		t.Fatalf("overwrite failed, got %q", v)
	}

	if err := db.DeleteValue("ephone-online-settings"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetValue("ephone-online-settings"); v != "" {
		t.Fatalf("delete failed, got %q", v)
	}
}
