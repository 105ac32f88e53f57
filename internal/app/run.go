// Package app wires configuration, storage and the relay components into
// the two runnable modes: server and client.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ephonelabs/relaychat/internal/client"
	"github.com/ephonelabs/relaychat/internal/config"
	"github.com/ephonelabs/relaychat/internal/relay"
	"github.com/ephonelabs/relaychat/internal/store"
	"github.com/ephonelabs/relaychat/internal/util"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// RunServer runs the relay server until ctx is cancelled. If graceful
// shutdown stalls past ten seconds the process exits hard.
func RunServer(ctx context.Context, opt Options) error {
	srv := relay.New(opt.Cfg.Server)

	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		log.Printf("APP: shutdown timed out, forcing exit")
		os.Exit(1)
		return nil
	}
}

// RunClient opens the local store, builds the bridge, resumes a previous
// session if one was connected, and hands control to the console loop.
func RunClient(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	// First run gets a generated identity, saved back to the config file.
	if cfg.Client.UserID == "" {
		cfg.Client.UserID = generateUserID()
		if err := config.Save(opt.CfgPath, cfg); err != nil {
			return fmt.Errorf("save generated identity: %w", err)
		}
		log.Printf("APP: generated user id %s", cfg.Client.UserID)
	}

	dbPath := util.ResolvePath(opt.Dir, cfg.Client.DBPath)
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	bridge, err := client.NewBridge(cfg.Client, db, consoleNotifier{})
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}

	bridge.ResumeIfNeeded(ctx)

	console := newConsole(bridge, db)
	bridge.ActiveConversation = console.activeConversation
	return console.run(ctx)
}

// generateUserID produces an id that passes server-side validation.
func generateUserID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "user_" + raw[:12]
}
