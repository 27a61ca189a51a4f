package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectRequiresServers(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Servers = nil
	if _, err := Connect(context.Background(), cfg, "test", newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestPublishEncodesMessages(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	cfg.Servers = []string{srv.ClientURL()}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Connect(ctx, cfg, "bus-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}

	sub, err := client.Conn().SubscribeSync(protocol.SubjectProgress)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Publish(protocol.SubjectProgress, protocol.ProgressEvent{RequestID: "r1", Label: "summarizing"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var got protocol.ProgressEvent
	if err := protocol.Decode(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RequestID != "r1" || got.Label != "summarizing" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestNilClientIsUnhealthy(t *testing.T) {
	var c *Client
	if c.Healthy() {
		t.Fatal("nil client reported healthy")
	}
	c.Close()
}
