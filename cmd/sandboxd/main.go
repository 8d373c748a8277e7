// Command sandboxd is the optional out-of-process tool-channel runner
// (§4.4): it serves a workspace-scoped tool registry (file, shell, data,
// http) over a Unix socket so an Executor running in a different process --
// or even a different host -- can reach it as one toolchannel endpoint.
//
// cmd/devopsbot wires its tools in-process and dials no tool channel. An
// Executor whose runner is a toolchannel.MultiClient from LoadConfig and
// DialAll, pointed at the address this binary listens on, reaches its tool
// surface in a separate process.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/xxxxxccc/devops-bot-sub000/internal/toolchannel"
	"github.com/xxxxxccc/devops-bot-sub000/internal/toolregistry"
	"github.com/xxxxxccc/devops-bot-sub000/tools/data"
	"github.com/xxxxxccc/devops-bot-sub000/tools/file"
	httptool "github.com/xxxxxccc/devops-bot-sub000/tools/http"
	"github.com/xxxxxccc/devops-bot-sub000/tools/shell"
)

type config struct {
	network      string
	address      string
	workspace    string
	shellTimeout int
}

func loadConfig() config {
	cfg := config{
		network:      "unix",
		address:      "/tmp/devopsbot-sandboxd.sock",
		workspace:    "/var/sandboxd/workspace",
		shellTimeout: 300,
	}
	if v := os.Getenv("SANDBOXD_NETWORK"); v != "" {
		cfg.network = v
	}
	if v := os.Getenv("SANDBOXD_ADDRESS"); v != "" {
		cfg.address = v
	}
	if v := os.Getenv("SANDBOXD_WORKSPACE"); v != "" {
		cfg.workspace = v
	}
	if v := os.Getenv("SANDBOXD_SHELL_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.shellTimeout = n
		}
	}
	return cfg
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[sandboxd] ")

	cfg := loadConfig()

	if err := os.MkdirAll(cfg.workspace, 0o755); err != nil {
		log.Fatalf("create workspace: %v", err)
	}

	reg := toolregistry.New()
	for _, t := range data.Tools() {
		reg.Register(t)
	}
	reg.Register(httptool.New())
	for _, t := range file.New(cfg.workspace).Tools() {
		reg.Register(t)
	}
	reg.Register(shell.New(cfg.workspace, cfg.shellTimeout))

	if cfg.network == "unix" {
		_ = os.Remove(cfg.address)
	}
	l, err := net.Listen(cfg.network, cfg.address)
	if err != nil {
		log.Fatalf("listen %s %s: %v", cfg.network, cfg.address, err)
	}
	if cfg.network == "unix" {
		defer os.Remove(cfg.address)
	}

	srv := toolchannel.NewServer(reg, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s %s, workspace %s", cfg.network, cfg.address, cfg.workspace)
		errCh <- srv.Serve(ctx, l)
	}()

	select {
	case <-ctx.Done():
		log.Println("shutting down...")
		l.Close()
		select {
		case <-errCh:
		case <-time.After(10 * time.Second):
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("serve error: %v", err)
		}
	}
	log.Println("stopped")
}
