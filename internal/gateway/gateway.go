// Package gateway implements the Gateway connection state machine:
// connect/auth/join over TLS, a Reader fanning PRIVMSGs onto the bus IN
// stream, and a Sender draining OUT with rate limiting and stale-pending
// reclamation, as specified in spec.md §4.E. Grounded on
// original_source/twitch_gateway/{main.py,irc.py} for the loop shape and
// on src/redis-nats-bridge/main.go for the Go process/shutdown idiom.
package gateway

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zakirovtech/twitch-rag-buddy/internal/bus"
	"github.com/zakirovtech/twitch-rag-buddy/internal/busproto"
	"github.com/zakirovtech/twitch-rag-buddy/internal/config"
	"github.com/zakirovtech/twitch-rag-buddy/internal/ircline"
	"github.com/zakirovtech/twitch-rag-buddy/internal/metrics"
	"github.com/zakirovtech/twitch-rag-buddy/internal/ratelimit"
	"github.com/zakirovtech/twitch-rag-buddy/internal/token"
)

// State is one node of the Gateway connection state machine of
// spec.md §4.E.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateJoined
	StateRunning
	StateClosing
)

const (
	ircAddr          = "irc.chat.twitch.tv:6697"
	handshakeTimeout = 15 * time.Second
	claimInterval    = 15 * time.Second
	claimMinIdleMs   = 60000
	maxBackoffSec    = 60.0
)

// Gateway owns the IRC connection and the bus wiring for one run of
// the reconnect loop.
type Gateway struct {
	cfg      config.GatewayConfig
	bus      *bus.Client
	tokenMgr token.CredentialSource

	connMu sync.Mutex
	conn   net.Conn
}

// New builds a Gateway ready for Run.
func New(cfg config.GatewayConfig, busClient *bus.Client, tokenMgr token.CredentialSource) *Gateway {
	return &Gateway{cfg: cfg, bus: busClient, tokenMgr: tokenMgr}
}

func setState(s State) {
	metrics.GatewayConnectionState.Set(float64(s))
}

// Run drives the reconnect-with-jitter loop of spec.md §4.E until ctx
// is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.bus.EnsureGroup(ctx, g.cfg.StreamOut, g.cfg.ConsumerGroup); err != nil {
		return fmt.Errorf("gateway: ensure OUT group: %w", err)
	}

	backoff := 1.0
	for {
		if ctx.Err() != nil {
			return nil
		}

		resetBackoff := func() { backoff = 1.0 }
		err := g.runOnce(ctx, resetBackoff)
		setState(StateDisconnected)

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("gateway: connection error", "err", err)
		}
		metrics.GatewayReconnectsTotal.Inc()

		sleepFor := time.Duration((backoff + rand.Float64()) * float64(time.Second))
		slog.Info("gateway: reconnecting", "in", sleepFor)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleepFor):
		}
		backoff = minF(backoff*2, maxBackoffSec)
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// runOnce performs one full connect/auth/join/run cycle, returning the
// error that ended it (connection drop, read error, OUT read error).
// A failed PRIVMSG write does not end the cycle: processOutOne logs it
// and leaves the entry unacked for stale-pending reclamation.
func (g *Gateway) runOnce(ctx context.Context, resetBackoff func()) error {
	setState(StateConnecting)
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: handshakeTimeout}, "tcp", ircAddr, &tls.Config{})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()

	setState(StateAuthenticating)
	pass, err := g.tokenMgr.GetIRCPass(false)
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	if err := g.writeLine(ircline.Pass(pass)); err != nil {
		return err
	}
	if err := g.writeLine(ircline.Nick(g.cfg.TwitchNick)); err != nil {
		return err
	}
	if err := g.writeLine(ircline.CapReq()); err != nil {
		return err
	}

	for _, ch := range g.cfg.TwitchChannels {
		if err := g.writeLine(ircline.Join(ch)); err != nil {
			return err
		}
		slog.Info("gateway: joined channel", "channel", ch)
	}
	setState(StateJoined)
	resetBackoff()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	setState(StateRunning)
	errCh := make(chan error, 2)
	go func() { errCh <- g.readerLoop(runCtx, conn) }()
	go func() { errCh <- g.senderLoop(runCtx) }()

	// readerLoop blocks in a plain socket read with no deadline; ctx
	// cancellation alone can't interrupt it, so closing the conn is
	// what actually unblocks it once either side tears down.
	closeOnDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			conn.Close()
		case <-closeOnDone:
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-runCtx.Done():
		runErr = nil
	}
	cancel()
	<-errCh // wait for the other goroutine to observe cancellation and exit
	close(closeOnDone)

	setState(StateClosing)
	return runErr
}

func (g *Gateway) writeLine(line string) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn == nil {
		return fmt.Errorf("gateway: not connected")
	}
	_, err := g.conn.Write([]byte(line))
	return err
}

// readerLoop parses incoming lines; only PRIVMSG is surfaced onto the
// bus (spec.md §4.E's Reader task).
func (g *Gateway) readerLoop(ctx context.Context, conn net.Conn) error {
	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			continue
		}
		msg := ircline.Parse(line)

		if msg.Command == "PING" {
			if err := g.writeLine(ircline.Pong(msg.FirstParamOrTrailing())); err != nil {
				return err
			}
			continue
		}

		metrics.GatewayMessagesReadTotal.Inc()
		if msg.Command != "PRIVMSG" {
			slog.Debug("gateway: dropped non-PRIVMSG command", "command", msg.Command)
			continue
		}
		g.handlePrivmsg(ctx, msg)
	}
}

func (g *Gateway) handlePrivmsg(ctx context.Context, msg ircline.Message) {
	if len(msg.Params) == 0 {
		return
	}
	channel := strings.ToLower(strings.TrimPrefix(msg.Params[0], "#"))
	text := msg.Trailing
	user := msg.Nick()

	chatMsg := busproto.ChatMessage{
		TS:          time.Now().Unix(),
		Type:        "chat_message",
		Channel:     channel,
		User:        user,
		Text:        text,
		MsgID:       msg.Tags["id"],
		UserID:      msg.Tags["user-id"],
		DisplayName: msg.Tags["display-name"],
		Badges:      msg.Tags["badges"],
		Mod:         msg.Tags["mod"],
		Subscriber:  msg.Tags["subscriber"],
		VIP:         msg.Tags["vip"],
		Raw:         msg.Raw,
	}

	if _, err := g.bus.Add(ctx, g.cfg.StreamIn, chatMsg.ToFields()); err != nil {
		slog.Warn("gateway: failed to publish to IN", "err", err)
		return
	}
	metrics.GatewayMessagesPublishedTotal.Inc()
	slog.Debug("gateway: IN", "channel", channel, "user", user, "text", text)
}

// senderLoop drains OUT with rate limiting, reclaiming stale pending
// entries every claimInterval (spec.md §4.E's Sender task).
func (g *Gateway) senderLoop(ctx context.Context) error {
	bucket := ratelimit.New(g.cfg.RateLimitCount, g.cfg.RateLimitWindowSec)
	lastClaim := time.Time{}

	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(lastClaim) > claimInterval {
			stale, err := g.bus.AutoClaim(ctx, g.cfg.StreamOut, g.cfg.ConsumerGroup, g.cfg.ConsumerName, claimMinIdleMs, "0-0", 10)
			if err != nil {
				slog.Warn("gateway: autoclaim failed", "err", err)
			} else if len(stale) > 0 {
				slog.Warn("gateway: claimed stale pending messages", "count", len(stale))
				metrics.GatewayPendingReclaimedTotal.Add(float64(len(stale)))
				for _, e := range stale {
					g.processOutOne(ctx, bucket, e)
				}
			}
			lastClaim = time.Now()
		}

		items, err := g.bus.ReadNew(ctx, g.cfg.StreamOut, g.cfg.ConsumerGroup, g.cfg.ConsumerName, 10, 5000)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read OUT: %w", err)
		}
		for _, e := range items {
			g.processOutOne(ctx, bucket, e)
		}
	}
}

func (g *Gateway) processOutOne(ctx context.Context, bucket *ratelimit.TokenBucket, e bus.Entry) {
	out := busproto.OutboundMessageFromFields(e.Fields)

	if out.Channel == "" || out.Text == "" {
		slog.Warn("gateway: dropping malformed outbound message", "id", e.ID)
		_ = g.bus.Ack(ctx, g.cfg.StreamOut, g.cfg.ConsumerGroup, e.ID)
		return
	}

	start := time.Now()
	bucket.Acquire(1)
	metrics.GatewayRateLimitWaitSeconds.Observe(time.Since(start).Seconds())

	line := ircline.Privmsg(out.Channel, out.Text, out.ReplyTo)
	if err := g.writeLine(line); err != nil {
		metrics.GatewaySendErrorsTotal.Inc()
		slog.Warn("gateway: send failed, will be reclaimed", "id", e.ID, "err", err)
		return
	}
	metrics.GatewayMessagesSentTotal.Inc()

	if err := g.bus.Ack(ctx, g.cfg.StreamOut, g.cfg.ConsumerGroup, e.ID); err != nil {
		slog.Warn("gateway: ack failed", "id", e.ID, "err", err)
	}
	slog.Info("gateway: sent", "channel", out.Channel, "id", e.ID)
}

// String renders a State for logging.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateJoined:
		return "Joined"
	case StateRunning:
		return "Running"
	case StateClosing:
		return "Closing"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}
