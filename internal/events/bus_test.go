package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

type fakeSignals struct {
	mu   sync.Mutex
	sent map[string][][]byte
	err  error
}

func (f *fakeSignals) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string][][]byte{}
	}
	f.sent[channel] = append(f.sent[channel], payload)
	return f.err
}

func (f *fakeSignals) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

type countingSink struct{ n int }

func (c *countingSink) Publish(context.Context, domain.Event) { c.n++ }

func TestBusFansOut(t *testing.T) {
	sig := &fakeSignals{}
	sink := &countingSink{}
	bus := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)), sink).WithSignalBus(sig)

	bus.Publish(context.Background(), domain.Event{ID: "e1", Type: domain.EventOutbid, AuctionID: "a1", Recipient: "alice"})

	if len(sig.sent["auction:a1"]) != 1 || len(sig.sent["user:alice"]) != 1 {
		t.Fatalf("channels = %v", sig.sent)
	}
	var ev domain.Event
	if err := json.Unmarshal(sig.sent["user:alice"][0], &ev); err != nil || ev.Type != domain.EventOutbid {
		t.Fatalf("payload = %s, %v", sig.sent["user:alice"][0], err)
	}
	if sink.n != 1 {
		t.Fatalf("sink calls = %d", sink.n)
	}
}

func TestBusSurvivesSignalFailure(t *testing.T) {
	sink := &countingSink{}
	bus := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)), sink).
		WithSignalBus(&fakeSignals{err: errors.New("redis down")})

	bus.Publish(context.Background(), domain.Event{ID: "e1", Type: domain.EventNewHighBid, AuctionID: "a1"})
	if sink.n != 1 {
		t.Fatal("sinks skipped after realtime failure")
	}
}
