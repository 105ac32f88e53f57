package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ephonelabs/relaychat/internal/client"
	"github.com/ephonelabs/relaychat/internal/store"
)

// consoleNotifier prints notices that would be popups in a GUI client.
// Messages for the open conversation are rendered inline instead.
type consoleNotifier struct{}

func (consoleNotifier) Notify(title, body string) {
	fmt.Printf("\n*** %s: %s\n> ", title, body)
}

func (consoleNotifier) AppendMessage(convID string, e store.Entry) {
	who, ok := client.UserIDFromConversation(convID)
	if !ok {
		who = convID
	}
	when := time.UnixMilli(e.Timestamp).Format("15:04")
	fmt.Printf("\n  [%s] %s: %s\n> ", when, who, e.Content)
}

// console is the interactive client front end. It drives the bridge the
// same way a GUI would: one active conversation, explicit connect and
// disconnect, friend management by user id.
type console struct {
	bridge *client.Bridge
	db     *store.DB

	mu     sync.Mutex
	active string
}

func newConsole(bridge *client.Bridge, db *store.DB) *console {
	return &console{bridge: bridge, db: db}
}

func (c *console) activeConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *console) run(ctx context.Context) error {
	fmt.Println("Type 'help' for commands.")

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			c.bridge.Manager().Disconnect()
			return nil
		case line, ok := <-lines:
			if !ok {
				c.bridge.Manager().Disconnect()
				return nil
			}
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (c *console) handle(ctx context.Context, line string) (quit bool) {
	if line == "" {
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help":
		c.printHelp()
	case "connect":
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := c.bridge.Connect(dialCtx)
		cancel()
		if err != nil {
			fmt.Printf("connect failed: %v\n", err)
		} else {
			fmt.Println("connected")
		}
	case "disconnect":
		c.bridge.Disconnect()
		fmt.Println("disconnected")
	case "status":
		fmt.Println(c.bridge.Manager().State())
	case "search":
		c.requireArg(rest, "search <userId>", c.bridge.SearchFriend)
	case "add":
		c.requireArg(rest, "add <userId>", func(id string) error {
			return c.bridge.Manager().SendFriendRequest(id)
		})
	case "requests":
		for _, r := range c.bridge.Friends().Requests() {
			fmt.Printf("  %s (%s)\n", r.UserID, r.Nickname)
		}
	case "accept":
		c.requireArg(rest, "accept <userId>", c.bridge.AcceptRequest)
	case "reject":
		c.requireArg(rest, "reject <userId>", c.bridge.RejectRequest)
	case "friends":
		for _, f := range c.bridge.Friends().Friends() {
			fmt.Printf("  %s (%s)\n", f.UserID, f.Nickname)
		}
	case "remove":
		c.requireArg(rest, "remove <userId>", c.bridge.DeleteFriend)
	case "chats":
		c.printChats()
	case "open":
		c.requireArg(rest, "open <userId>", c.openChat)
	case "close":
		c.mu.Lock()
		c.active = ""
		c.mu.Unlock()
	case "msg":
		to, text, _ := strings.Cut(rest, " ")
		if to == "" || strings.TrimSpace(text) == "" {
			fmt.Println("usage: msg <userId> <text>")
			break
		}
		if err := c.bridge.SendText(to, strings.TrimSpace(text)); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	case "quit", "exit":
		c.bridge.Manager().Disconnect()
		return true
	default:
		fmt.Printf("unknown command %q, try 'help'\n", cmd)
	}
	return false
}

func (c *console) requireArg(arg, usage string, f func(string) error) {
	if arg == "" {
		fmt.Println("usage: " + usage)
		return
	}
	if err := f(arg); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func (c *console) openChat(userID string) error {
	convID := client.ConversationID(userID)
	conv, err := c.db.Get(convID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("no conversation with %s", userID)
	}

	c.mu.Lock()
	c.active = convID
	c.mu.Unlock()

	for _, e := range conv.History {
		when := time.UnixMilli(e.Timestamp).Format("15:04")
		switch e.Role {
		case store.RoleSelf:
			fmt.Printf("  [%s] me: %s\n", when, e.Content)
		case store.RoleSystem:
			fmt.Printf("  [%s] -- %s\n", when, e.Content)
		default:
			fmt.Printf("  [%s] %s: %s\n", when, conv.Name, e.Content)
		}
	}

	if conv.Unread > 0 {
		conv.Unread = 0
		if err := c.db.Put(conv); err != nil {
			return err
		}
	}
	return nil
}

func (c *console) printChats() {
	convs, err := c.db.All()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	for _, conv := range convs {
		marker := " "
		if conv.Unread > 0 {
			marker = fmt.Sprintf("(%d)", conv.Unread)
		}
		fmt.Printf("  %s %s: %s\n", marker, conv.Name, conv.LastMessage)
	}
}

func (c *console) printHelp() {
	fmt.Println(`commands:
  connect              connect and register with the server
  disconnect           disconnect (no auto-reconnect)
  status               show connection state
  search <userId>      look up a user on the server
  add <userId>         send a friend request
  requests             list pending friend requests
  accept <userId>      accept a friend request
  reject <userId>      reject a friend request
  friends              list friends
  remove <userId>      delete a friend and the conversation
  chats                list conversations
  open <userId>        open a conversation (marks it read)
  close                leave the open conversation
  msg <userId> <text>  send a message
  quit                 exit`)
}
