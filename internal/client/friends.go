package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ephonelabs/relaychat/internal/store"
)

// Persistent keys. Kept stable so existing client databases keep working.
const (
	keyFriends  = "ephone-online-friends"
	keyRequests = "ephone-friend-requests"
	keySettings = "ephone-online-settings"
)

// Friend is one entry in the local friend list. Online is the last known
// presence, refreshed by search results and accept notifications.
type Friend struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Online   bool   `json:"online"`
}

// Request is a pending incoming friend request.
type Request struct {
	UserID    string `json:"userId"`
	Nickname  string `json:"nickname"`
	Avatar    string `json:"avatar"`
	Timestamp int64  `json:"timestamp"`
}

// FriendList holds the friend list and pending requests, mirrored to the
// store on every change.
type FriendList struct {
	db *store.DB

	mu       sync.Mutex
	friends  []Friend
	requests []Request
}

// LoadFriendList reads the persisted friend list and pending requests.
func LoadFriendList(db *store.DB) (*FriendList, error) {
	fl := &FriendList{db: db}

	if raw, err := db.GetValue(keyFriends); err != nil {
		return nil, fmt.Errorf("load friends: %w", err)
	} else if raw != "" {
		if err := json.Unmarshal([]byte(raw), &fl.friends); err != nil {
			return nil, fmt.Errorf("decode friends: %w", err)
		}
	}

	if raw, err := db.GetValue(keyRequests); err != nil {
		return nil, fmt.Errorf("load friend requests: %w", err)
	} else if raw != "" {
		if err := json.Unmarshal([]byte(raw), &fl.requests); err != nil {
			return nil, fmt.Errorf("decode friend requests: %w", err)
		}
	}

	return fl, nil
}

// Friends returns a copy of the friend list.
func (fl *FriendList) Friends() []Friend {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	out := make([]Friend, len(fl.friends))
	copy(out, fl.friends)
	return out
}

// Requests returns a copy of the pending requests.
func (fl *FriendList) Requests() []Request {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	out := make([]Request, len(fl.requests))
	copy(out, fl.requests)
	return out
}

// IsFriend reports whether userID is already in the friend list.
func (fl *FriendList) IsFriend(userID string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for _, f := range fl.friends {
		if f.UserID == userID {
			return true
		}
	}
	return false
}

// AddFriend appends a friend and persists the list. Adding an existing
// friend updates its entry instead of duplicating it.
func (fl *FriendList) AddFriend(f Friend) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	replaced := false
	for i := range fl.friends {
		if fl.friends[i].UserID == f.UserID {
			fl.friends[i] = f
			replaced = true
			break
		}
	}
	if !replaced {
		fl.friends = append(fl.friends, f)
	}
	return fl.saveFriendsLocked()
}

// RemoveFriend deletes a friend by user id. Returns the removed entry.
func (fl *FriendList) RemoveFriend(userID string) (Friend, bool, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for i, f := range fl.friends {
		if f.UserID == userID {
			fl.friends = append(fl.friends[:i], fl.friends[i+1:]...)
			return f, true, fl.saveFriendsLocked()
		}
	}
	return Friend{}, false, nil
}

// AddRequest appends an incoming request and persists. Duplicate
// requests from the same user stack up, matching how the relay forwards
// them without dedup.
func (fl *FriendList) AddRequest(r Request) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.requests = append(fl.requests, r)
	return fl.saveRequestsLocked()
}

// TakeRequest removes and returns the first pending request from userID.
func (fl *FriendList) TakeRequest(userID string) (Request, bool, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for i, r := range fl.requests {
		if r.UserID == userID {
			fl.requests = append(fl.requests[:i], fl.requests[i+1:]...)
			return r, true, fl.saveRequestsLocked()
		}
	}
	return Request{}, false, nil
}

func (fl *FriendList) saveFriendsLocked() error {
	b, err := json.Marshal(fl.friends)
	if err != nil {
		return err
	}
	return fl.db.SetValue(keyFriends, string(b))
}

func (fl *FriendList) saveRequestsLocked() error {
	b, err := json.Marshal(fl.requests)
	if err != nil {
		return err
	}
	return fl.db.SetValue(keyRequests, string(b))
}
