package store

import (
	"encoding/json"
	"fmt"
)

// Entry roles. RoleSelf marks messages typed locally, RolePeer messages
// relayed from the other side, RoleSystem generated notices such as the
// conversation welcome line.
const (
	RoleSelf   = "user"
	RolePeer   = "ai"
	RoleSystem = "system"
)

// Entry is one message in a conversation history.
type Entry struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Conversation is the persistent record of one chat. OnlineUserID links a
// conversation to the remote user it relays to; conversations carry their
// full history and per-conversation settings inline.
type Conversation struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Avatar       string         `json:"avatar"`
	LastMessage  string         `json:"lastMessage"`
	Timestamp    int64          `json:"timestamp"`
	Unread       int            `json:"unread"`
	Pinned       bool           `json:"pinned"`
	OnlineUserID string         `json:"onlineUserId"`
	History      []Entry        `json:"history"`
	Settings     map[string]any `json:"settings"`
}

// Get returns the conversation with the given id, or (nil, nil) when no
// such conversation exists.
func (d *DB) Get(id string) (*Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var c Conversation
	var pinned int
	var historyJSON, settingsJSON string
	err := d.db.QueryRow(`
		SELECT id, name, avatar, last_message, timestamp, unread, pinned,
		       online_user_id, history, settings
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Avatar, &c.LastMessage, &c.Timestamp,
			&c.Unread, &pinned, &c.OnlineUserID, &historyJSON, &settingsJSON)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	c.Pinned = pinned != 0
	if err := json.Unmarshal([]byte(historyJSON), &c.History); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(settingsJSON), &c.Settings); err != nil {
		return nil, fmt.Errorf("decode settings for %s: %w", id, err)
	}
	return &c, nil
}

// Put stores or fully replaces a conversation.
func (d *DB) Put(c *Conversation) error {
	history := c.History
	if history == nil {
		history = []Entry{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history for %s: %w", c.ID, err)
	}
	settings := c.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings for %s: %w", c.ID, err)
	}
	pinned := 0
	if c.Pinned {
		pinned = 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.Exec(`
		INSERT INTO conversations
			(id, name, avatar, last_message, timestamp, unread, pinned,
			 online_user_id, history, settings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name           = excluded.name,
			avatar         = excluded.avatar,
			last_message   = excluded.last_message,
			timestamp      = excluded.timestamp,
			unread         = excluded.unread,
			pinned         = excluded.pinned,
			online_user_id = excluded.online_user_id,
			history        = excluded.history,
			settings       = excluded.settings`,
		c.ID, c.Name, c.Avatar, c.LastMessage, c.Timestamp, c.Unread, pinned,
		c.OnlineUserID, string(historyJSON), string(settingsJSON),
	)
	if err != nil {
		return fmt.Errorf("put conversation %s: %w", c.ID, err)
	}
	return nil
}

// Delete removes a conversation. Deleting an absent id is not an error.
func (d *DB) Delete(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// All returns every conversation, most recently active first.
func (d *DB) All() ([]*Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, name, avatar, last_message, timestamp, unread, pinned,
		       online_user_id, history, settings
		FROM conversations ORDER BY timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var c Conversation
		var pinned int
		var historyJSON, settingsJSON string
		if err := rows.Scan(&c.ID, &c.Name, &c.Avatar, &c.LastMessage,
			&c.Timestamp, &c.Unread, &pinned, &c.OnlineUserID,
			&historyJSON, &settingsJSON); err != nil {
			return nil, err
		}
		c.Pinned = pinned != 0
		if err := json.Unmarshal([]byte(historyJSON), &c.History); err != nil {
			return nil, fmt.Errorf("decode history for %s: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(settingsJSON), &c.Settings); err != nil {
			return nil, fmt.Errorf("decode settings for %s: %w", c.ID, err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
