// Package chain implements the per-chain Ingestor: connect to an
// EVM-compatible JSON-RPC WebSocket feed, subscribe to logs (or, as a
// fallback, to new block heads plus an HTTP eth_getLogs call per head),
// parse, deduplicate, and forward RawEvents to the matcher.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ethhook/ethhook/internal/dedup"
	"github.com/ethhook/ethhook/internal/logging"
	"github.com/ethhook/ethhook/internal/metrics"
	"github.com/ethhook/ethhook/internal/model"
)

// Ingestor owns one chain's WebSocket connection lifecycle.
type Ingestor struct {
	cfg    model.ChainConfig
	rawCh  chan<- model.RawEvent
	dedup  *dedup.Store
	logger zerolog.Logger

	state         atomic.Int32 // State
	lastMessageAt atomic.Int64 // unix nano
	httpClient    *http.Client

	// useBlockHeadsFallback is set once a provider's logs subscription is
	// rejected; subsequent (re)connections go straight to block-heads mode
	// instead of retrying a subscription the provider has already refused.
	useBlockHeadsFallback atomic.Bool
}

// New constructs an Ingestor for one chain. rawCh is the shared raw event
// channel; forwarding blocks when it is full (spec.md §4.1 "Forwarding").
func New(cfg model.ChainConfig, rawCh chan<- model.RawEvent, dedupStore *dedup.Store, logger zerolog.Logger) *Ingestor {
	ing := &Ingestor{
		cfg:    cfg,
		rawCh:  rawCh,
		dedup:  dedupStore,
		logger: logging.Component(logger, "chain_ingestor").With().Int64("chain_id", cfg.ID).Str("chain_name", cfg.Name).Logger(),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	ing.setState(StateDisconnected)
	return ing
}

// State returns the ingestor's current state, for the Health Supervisor.
func (in *Ingestor) State() State {
	return State(in.state.Load())
}

// LastMessageAt returns the time of the last message (any kind) received
// from the upstream feed.
func (in *Ingestor) LastMessageAt() time.Time {
	nanos := in.lastMessageAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (in *Ingestor) setState(s State) {
	in.state.Store(int32(s))
	chainID := fmt.Sprint(in.cfg.ID)
	for st := StateDisconnected; st <= StateStopped; st++ {
		metrics.ChainState.DeleteLabelValues(chainID, in.cfg.Name, st.String())
	}
	ready := 0.0
	if s.Ready() {
		ready = 1.0
	}
	metrics.ChainState.WithLabelValues(chainID, in.cfg.Name, s.String()).Set(ready)
}

func (in *Ingestor) touch() {
	in.lastMessageAt.Store(time.Now().UnixNano())
}

// Run drives the reconnect loop until ctx is cancelled. No panic is ever
// allowed to propagate out of this task; the caller's supervisor wraps Run
// and restarts it, but Run also recovers internally at the per-connection
// level so a single bad frame never kills the whole chain task.
func (in *Ingestor) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			in.setState(StateStopped)
			return
		}

		in.setState(StateConnecting)
		err := in.runOnce(ctx)
		if ctx.Err() != nil {
			in.setState(StateStopped)
			return
		}

		if err != nil {
			in.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("chain connection ended, reconnecting")
			metrics.ReconnectsTotal.WithLabelValues(fmt.Sprint(in.cfg.ID)).Inc()

			// The connection was live (subscribed or streaming) when the
			// protocol error, close, or keepalive silence hit: surface the
			// brief DEGRADED state before forcing reconnect, per spec.md
			// §4.1. A failed initial dial/subscribe never reached either
			// state, so it skips straight to DISCONNECTED.
			if s := in.State(); s == StateSubscribed || s == StateStreaming {
				in.setState(StateDegraded)
			}
		}

		in.setState(StateDisconnected)
		attempt++
		delay := backoffDelay(in.cfg.BackoffBase, in.cfg.BackoffMax, in.cfg.BackoffJitterPct, attempt)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			in.setState(StateStopped)
			return
		}
	}
}

// backoffDelay computes 1s, 2s, 4s, ... capped at max, with +/- jitterPct
// jitter, per spec.md §4.1.
func backoffDelay(base, max time.Duration, jitterPct float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	jitter := 1.0 + (rand.Float64()*2-1)*jitterPct
	return time.Duration(float64(d) * jitter)
}

// runOnce performs one connect/subscribe/stream cycle. A returned error
// means the connection ended and the caller should back off and retry.
func (in *Ingestor) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("chain connection panic recovered, reconnecting")
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()

	dialer := websocket.Dialer{
		HandshakeTimeout: in.cfg.ConnectTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: in.cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				tcpConn.SetKeepAlive(true)
				tcpConn.SetKeepAlivePeriod(30 * time.Second)
			}
			return conn, nil
		},
	}

	connectCtx, cancel := context.WithTimeout(ctx, in.cfg.ConnectTimeout)
	conn, _, err := dialer.DialContext(connectCtx, in.cfg.WSURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	idleTimeout := in.cfg.IdleTimeout
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	if in.useBlockHeadsFallback.Load() {
		return in.streamBlockHeads(ctx, conn)
	}
	return in.streamLogs(ctx, conn)
}

// streamLogs sends eth_subscribe("logs", {}) and handles eth_subscription
// notifications until the connection breaks.
func (in *Ingestor) streamLogs(ctx context.Context, conn *websocket.Conn) error {
	if err := conn.WriteMessage(websocket.TextMessage, buildSubscribeLogsRequest()); err != nil {
		return fmt.Errorf("send eth_subscribe(logs): %w", err)
	}

	subID, err := in.awaitSubscribeResult(conn)
	if err != nil {
		if isUnsupportedMethod(err) && in.cfg.HTTPURL != "" {
			in.logger.Warn().Err(err).Msg("logs subscription unsupported, falling back to newHeads + eth_getLogs")
			in.useBlockHeadsFallback.Store(true)
			return in.streamBlockHeads(ctx, conn)
		}
		return fmt.Errorf("eth_subscribe(logs): %w", err)
	}

	in.setState(StateStreaming)
	in.logger.Info().Str("subscription_id", subID).Msg("subscribed to logs")

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		in.touch()
		conn.SetReadDeadline(time.Now().Add(in.cfg.IdleTimeout))

		if err := in.handleLogsFrame(data); err != nil {
			in.logger.Warn().Err(err).Msg("malformed message")
			metrics.MalformedMessagesTotal.WithLabelValues(fmt.Sprint(in.cfg.ID)).Inc()
		}
	}
}

func (in *Ingestor) handleLogsFrame(data []byte) error {
	var env rpcEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Method != "eth_subscription" {
		return nil
	}
	var params subscriptionParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return err
	}
	var l rawLog
	if err := json.Unmarshal(params.Result, &l); err != nil {
		return err
	}
	if l.Removed {
		// Reorg-removed log; not a newly emitted event.
		return nil
	}
	return in.ingest(l)
}

// ingest converts, dedupes, and forwards one log. Forwarding blocks when
// the raw channel is full, applying backpressure to the socket read loop
// per spec.md §4.1 "Forwarding".
func (in *Ingestor) ingest(l rawLog) error {
	event, err := toRawEvent(chainIdentity{ID: in.cfg.ID, Name: in.cfg.Name}, l)
	if err != nil {
		return err
	}

	metrics.EventsIngestedTotal.WithLabelValues(fmt.Sprint(in.cfg.ID)).Inc()

	if in.dedup.SeenOrInsert(event.Key()) {
		metrics.EventsDedupedTotal.WithLabelValues(fmt.Sprint(in.cfg.ID)).Inc()
		return nil
	}

	in.rawCh <- event
	return nil
}

// streamBlockHeads subscribes to new block heads and issues an HTTP
// eth_getLogs call per head, per spec.md §4.1 "for providers lacking a logs
// subscription".
func (in *Ingestor) streamBlockHeads(ctx context.Context, conn *websocket.Conn) error {
	if err := conn.WriteMessage(websocket.TextMessage, buildSubscribeNewHeadsRequest()); err != nil {
		return fmt.Errorf("send eth_subscribe(newHeads): %w", err)
	}
	subID, err := in.awaitSubscribeResult(conn)
	if err != nil {
		return fmt.Errorf("eth_subscribe(newHeads): %w", err)
	}

	in.setState(StateStreaming)
	in.logger.Info().Str("subscription_id", subID).Msg("subscribed to new block heads (eth_getLogs fallback mode)")

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		in.touch()
		conn.SetReadDeadline(time.Now().Add(in.cfg.IdleTimeout))

		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			in.logger.Warn().Err(err).Msg("malformed head frame")
			metrics.MalformedMessagesTotal.WithLabelValues(fmt.Sprint(in.cfg.ID)).Inc()
			continue
		}
		if env.Method != "eth_subscription" {
			continue
		}
		var params subscriptionParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			continue
		}
		var head rawBlockHead
		if err := json.Unmarshal(params.Result, &head); err != nil {
			continue
		}

		if err := in.fetchAndIngestBlockLogs(ctx, head.Number); err != nil {
			in.logger.Warn().Err(err).Str("block", head.Number).Msg("eth_getLogs fallback fetch failed")
		}
	}
}

func (in *Ingestor) fetchAndIngestBlockLogs(ctx context.Context, blockNumberHex string) error {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, in.cfg.HTTPURL, bytes.NewReader(buildGetLogsRequest(blockNumberHex)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := in.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}

	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	if env.Error != nil {
		return env.Error
	}

	var logs []rawLog
	if err := json.Unmarshal(env.Result, &logs); err != nil {
		return err
	}
	for _, l := range logs {
		if err := in.ingest(l); err != nil {
			in.logger.Warn().Err(err).Msg("malformed log in eth_getLogs response")
			metrics.MalformedMessagesTotal.WithLabelValues(fmt.Sprint(in.cfg.ID)).Inc()
		}
	}
	return nil
}

// awaitSubscribeResult reads frames until it finds the response to
// JSON-RPC id 1 (the subscribe request), per spec.md §4.1 "Subscription
// protocol".
func (in *Ingestor) awaitSubscribeResult(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(in.cfg.ConnectTimeout))
	defer conn.SetReadDeadline(time.Now().Add(in.cfg.IdleTimeout))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.ID == nil || *env.ID != 1 {
			continue
		}
		if env.Error != nil {
			return "", env.Error
		}

		var subID string
		if err := json.Unmarshal(env.Result, &subID); err != nil {
			return "", fmt.Errorf("unexpected subscribe result shape: %w", err)
		}
		in.setState(StateSubscribed)
		return subID, nil
	}
}

func isUnsupportedMethod(err error) bool {
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		return strings.Contains(msg, "not supported") || strings.Contains(msg, "unsupported") || strings.Contains(msg, "method not found")
	}
	return false
}
