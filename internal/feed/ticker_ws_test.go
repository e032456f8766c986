package feed

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sample struct {
	symbol string
	price  float64
	ts     time.Time
}

// recordingWriter captures samples handed to SetPrice.
type recordingWriter struct {
	samples []sample
	err     error
}

func (w *recordingWriter) SetPrice(_ context.Context, symbol string, price float64, ts time.Time) error {
	w.samples = append(w.samples, sample{symbol: symbol, price: price, ts: ts})
	return w.err
}

func TestStreamURL(t *testing.T) {
	f := NewTickerFeed("wss://fstream.example.com/", []string{"BTCUSDT", "ETHUSDT"}, &recordingWriter{}, discardLogger())

	got := f.streamURL()
	want := "wss://fstream.example.com/stream?streams=btcusdt@miniTicker/ethusdt@miniTicker"
	if got != want {
		t.Fatalf("streamURL = %q, want %q", got, want)
	}
}

func TestHandleMessageCombinedStream(t *testing.T) {
	w := &recordingWriter{}
	f := NewTickerFeed("wss://x", []string{"BTCUSDT"}, w, discardLogger())

	raw := []byte(`{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1717243200123,"s":"BTCUSDT","c":"43250.10"}}`)
	f.handleMessage(context.Background(), raw)

	if len(w.samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(w.samples))
	}
	got := w.samples[0]
	if got.symbol != "BTCUSDT" {
		t.Errorf("symbol = %q, want BTCUSDT", got.symbol)
	}
	if got.price != 43250.10 {
		t.Errorf("price = %v, want 43250.10", got.price)
	}
	if !got.ts.Equal(time.UnixMilli(1717243200123)) {
		t.Errorf("ts = %v, want event time", got.ts)
	}
}

func TestHandleMessageUnwrappedEvent(t *testing.T) {
	w := &recordingWriter{}
	f := NewTickerFeed("wss://x", []string{"ETHUSDT"}, w, discardLogger())

	// Single-stream endpoints send the event without the envelope.
	raw := []byte(`{"e":"24hrMiniTicker","E":1717243200456,"s":"ETHUSDT","c":"3150.5"}`)
	f.handleMessage(context.Background(), raw)

	if len(w.samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(w.samples))
	}
	if w.samples[0].symbol != "ETHUSDT" || w.samples[0].price != 3150.5 {
		t.Errorf("sample = %+v", w.samples[0])
	}
}

func TestHandleMessageDropsBadFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{"stream":`},
		{"missing symbol", `{"e":"24hrMiniTicker","E":1,"c":"100"}`},
		{"missing close", `{"e":"24hrMiniTicker","E":1,"s":"BTCUSDT"}`},
		{"non-numeric close", `{"e":"24hrMiniTicker","E":1,"s":"BTCUSDT","c":"abc"}`},
		{"negative close", `{"e":"24hrMiniTicker","E":1,"s":"BTCUSDT","c":"-5"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &recordingWriter{}
			f := NewTickerFeed("wss://x", []string{"BTCUSDT"}, w, discardLogger())
			f.handleMessage(context.Background(), []byte(tt.raw))
			if len(w.samples) != 0 {
				t.Fatalf("samples = %d, want 0", len(w.samples))
			}
		})
	}
}
