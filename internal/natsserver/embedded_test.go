package natsserver

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartSkipsExternalBus(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Embedded = false
	srv, err := Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if srv != nil {
		t.Fatal("expected no embedded server")
	}
	// nil-safe
	srv.Shutdown()
	if srv.ClientURL() != "" {
		t.Fatal("expected empty url")
	}
}

func TestEmbeddedServerAcceptsClients(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()
	srv, err := Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	if got := nc.MaxPayload(); got != int64(cfg.MaxPayload) {
		t.Fatalf("expected max payload %d, got %d", cfg.MaxPayload, got)
	}

	sub, err := nc.SubscribeSync("narrate.test")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Publish("narrate.test", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(msg.Data) != "hello" {
		t.Fatalf("unexpected payload %q", msg.Data)
	}
}
