// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ephonelabs/relaychat/internal/app"
	"github.com/ephonelabs/relaychat/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("relaychat v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]

	switch command {
	case "server":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: server command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: relaychat server <directory>")
			os.Exit(1)
		}
		runServer(args[1])

	case "client":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: client command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: relaychat client <directory>")
			os.Exit(1)
		}
		runClient(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runServer(dirArg string) {
	dir, cfgPath, cfg := loadDir(dirArg)
	printBanner("Relay Server", dir, cfgPath)
	fmt.Printf("Listening:  %s:%d\n", cfg.Server.Bind, cfg.Server.Port)
	fmt.Printf("Status:     http://127.0.0.1:%d/\n", cfg.Server.Port)
	fmt.Printf("Max users:  %d\n", cfg.Server.MaxUsers)
	fmt.Println()

	ctx := signalContext()
	if err := app.RunServer(ctx, app.Options{Dir: dir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func runClient(dirArg string) {
	dir, cfgPath, cfg := loadDir(dirArg)
	printBanner("Chat Client", dir, cfgPath)
	fmt.Printf("Server:     %s\n", cfg.Client.ServerURL)
	if cfg.Client.UserID != "" {
		fmt.Printf("Identity:   %s (%s)\n", cfg.Client.UserID, cfg.Client.Nickname)
	}
	fmt.Println()

	ctx := signalContext()
	if err := app.RunClient(ctx, app.Options{Dir: dir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

// loadDir resolves the working directory and loads (or creates) its
// config file.
func loadDir(dirArg string) (dir, cfgPath string, cfg config.Config) {
	dir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatalf("Create directory: %v", err)
	}

	cfgPath = filepath.Join(dir, "relaychat.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}
	return dir, cfgPath, cfg
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx
}

func showUsage() {
	fmt.Println("relaychat - presence and message relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  relaychat server <directory>   Run the relay server")
	fmt.Println("  relaychat client <directory>   Run the interactive chat client")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  server <directory>")
	fmt.Println("        Run the relay server from the specified directory")
	fmt.Println("        A relaychat.json config file is created on first run")
	fmt.Println()
	fmt.Println("  client <directory>")
	fmt.Println("        Run the chat client; the directory holds the config and")
	fmt.Println("        the local conversation database")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PORT       Override server.port")
	fmt.Println("  MAX_USERS  Override server.max_users")
}

func printBanner(mode, dir, cfgPath string) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Printf("║  relaychat · %-42s║\n", mode)
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:  %s\n", dir)
	fmt.Printf("Config:     %s\n", cfgPath)
}
