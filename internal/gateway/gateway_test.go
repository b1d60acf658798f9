package gateway

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/zakirovtech/twitch-rag-buddy/internal/bus"
	"github.com/zakirovtech/twitch-rag-buddy/internal/config"
	"github.com/zakirovtech/twitch-rag-buddy/internal/ratelimit"
)

func newTestGateway(t *testing.T) (*Gateway, *bus.Client, net.Conn) {
	t.Helper()
	mr := miniredis.RunT(t)
	ctx := context.Background()
	busClient, err := bus.New(ctx, "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	t.Cleanup(func() { busClient.Close() })

	cfg := config.GatewayConfig{
		StreamIn:      "IN",
		StreamOut:     "OUT",
		ConsumerGroup: "twitch-gateway",
		ConsumerName:  "gateway-1",
	}
	g := New(cfg, busClient, nil)

	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close(); srv.Close() })
	g.conn = srv
	return g, busClient, client
}

// TestProcessOutOneDropsMalformedMessage covers spec.md §7: outbound
// entries missing channel or text are acked and dropped, never sent.
func TestProcessOutOneDropsMalformedMessage(t *testing.T) {
	g, busClient, _ := newTestGateway(t)
	ctx := context.Background()

	if err := busClient.EnsureGroup(ctx, "OUT", "twitch-gateway"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if _, err := busClient.Add(ctx, "OUT", map[string]interface{}{"channel": "", "text": ""}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	entries, err := busClient.ReadNew(ctx, "OUT", "twitch-gateway", "gateway-1", 1, 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ReadNew: %v (entries=%d)", err, len(entries))
	}

	bucket := ratelimit.New(20, 30)
	done := make(chan struct{})
	go func() { g.processOutOne(ctx, bucket, entries[0]); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processOutOne blocked on a malformed message; it must drop without writing")
	}
}

// TestProcessOutOneSendsValidMessage covers the happy path: a
// well-formed OUT entry is written as a PRIVMSG line and acked.
func TestProcessOutOneSendsValidMessage(t *testing.T) {
	g, busClient, client := newTestGateway(t)
	ctx := context.Background()

	if err := busClient.EnsureGroup(ctx, "OUT", "twitch-gateway"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if _, err := busClient.Add(ctx, "OUT", map[string]interface{}{"channel": "demo", "text": "hello chat", "reply_to": "m1"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	entries, err := busClient.ReadNew(ctx, "OUT", "twitch-gateway", "gateway-1", 1, 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ReadNew: %v (entries=%d)", err, len(entries))
	}

	bucket := ratelimit.New(20, 30)
	lineCh := make(chan string, 1)
	go func() {
		r := bufio.NewReader(client)
		line, _ := r.ReadString('\n')
		lineCh <- line
	}()

	g.processOutOne(ctx, bucket, entries[0])

	select {
	case line := <-lineCh:
		if want := "@reply-parent-msg-id=m1 PRIVMSG #demo :hello chat\r\n"; line != want {
			t.Fatalf("unexpected line: %q, want %q", line, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PRIVMSG to be written")
	}

	// ack must have happened; the consumer's pending list should be empty.
	redelivered, err := busClient.ReadPending(ctx, "OUT", "twitch-gateway", "gateway-1", 1)
	if err != nil {
		t.Fatalf("ReadPending after send: %v", err)
	}
	if len(redelivered) != 0 {
		t.Fatalf("expected no pending entries, got %d", len(redelivered))
	}
}
