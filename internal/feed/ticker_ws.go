// Package feed ingests market data and drives the simulator's tick loop.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// readWait is the time allowed between messages before the connection is
	// considered dead. The exchange pings more often than this.
	readWait = 3 * time.Minute

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	handshakeTimeout = 15 * time.Second
)

// PriceWriter receives ticker samples. Implemented by the Redis price cache.
type PriceWriter interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
}

// miniTickerEvent is the payload of a combined-stream miniTicker message.
type miniTickerEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"` // milliseconds
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

// streamEnvelope is the outer frame of a combined-stream message.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// TickerFeed subscribes to the exchange's combined miniTicker streams for the
// configured symbols and writes each close price into the price cache. It
// reconnects with exponential backoff on disconnect.
type TickerFeed struct {
	wsHost  string
	symbols []string
	writer  PriceWriter
	logger  *slog.Logger
}

// NewTickerFeed creates a feed for the given symbols.
func NewTickerFeed(wsHost string, symbols []string, writer PriceWriter, logger *slog.Logger) *TickerFeed {
	return &TickerFeed{
		wsHost:  wsHost,
		symbols: symbols,
		writer:  writer,
		logger:  logger.With(slog.String("component", "ticker_feed")),
	}
}

// streamURL builds the combined-stream URL, e.g.
// wss://host/stream?streams=btcusdt@miniTicker/ethusdt@miniTicker.
func (f *TickerFeed) streamURL() string {
	streams := make([]string, len(f.symbols))
	for i, sym := range f.symbols {
		streams[i] = strings.ToLower(sym) + "@miniTicker"
	}
	return strings.TrimRight(f.wsHost, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// Run connects and ingests ticker messages until ctx is cancelled.
func (f *TickerFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}

	delay := reconnectDelay
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("ticker feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		// Exponential backoff, reset after a successful session.
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// runConnection dials, then reads messages until the connection breaks or
// the context is cancelled.
func (f *TickerFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	// The exchange pings periodically; answer and push the read deadline.
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			_ = conn.Close()
		case <-done:
		}
	}()

	f.logger.Info("ticker feed subscribed", slog.Int("symbols", len(f.symbols)))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		f.handleMessage(ctx, message)
	}
}

// handleMessage decodes one combined-stream frame and writes the sample.
// Unparseable messages are silently dropped.
func (f *TickerFeed) handleMessage(ctx context.Context, raw []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	payload := env.Data
	if payload == nil {
		payload = raw // single-stream endpoints send the event unwrapped
	}

	var ev miniTickerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	if ev.Symbol == "" || ev.Close == "" {
		return
	}

	price, err := strconv.ParseFloat(ev.Close, 64)
	if err != nil || price <= 0 {
		return
	}

	ts := time.Now()
	if ev.EventTime > 0 {
		ts = time.UnixMilli(ev.EventTime)
	}

	if err := f.writer.SetPrice(ctx, ev.Symbol, price, ts); err != nil {
		f.logger.Debug("ticker feed write failed",
			slog.String("symbol", ev.Symbol),
			slog.String("error", err.Error()),
		)
	}
}
