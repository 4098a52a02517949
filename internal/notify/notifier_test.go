package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

type fakeSender struct {
	name   string
	err    error
	titles []string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.titles = append(f.titles, title)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPublishFiltersByEventType(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, []string{"dispute-opened"}, quietLogger())

	n.Publish(context.Background(), domain.Event{Type: domain.EventNewHighBid, AuctionID: "a1"})
	n.Publish(context.Background(), domain.Event{Type: domain.EventDisputeOpened, TransactionID: "t1"})

	if len(s.titles) != 1 || s.titles[0] != "Dispute opened" {
		t.Fatalf("titles = %v", s.titles)
	}
}

func TestDispatchContinuesAfterFailure(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("down")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quietLogger())

	err := n.Notify(context.Background(), "settlement-stuck", "Settlement stuck", "tx")
	if err == nil || !strings.Contains(err.Error(), "bad: down") {
		t.Fatalf("err = %v", err)
	}
	if len(good.titles) != 1 {
		t.Fatal("second sender skipped after first failed")
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithBaseURL(srv.URL)
	if err := s.Send(context.Background(), "Dispute opened", "transaction: t1"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["chat_id"] != "42" || !strings.HasPrefix(got["text"], "*Dispute opened*") {
		t.Fatalf("payload = %v", got)
	}
}

func TestDiscordSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err = %v, want status 429", err)
	}
}

func TestRenderIncludesSortedData(t *testing.T) {
	_, msg := render(domain.Event{
		Type:          domain.EventSettlementStuck,
		TransactionID: "t1",
		Data:          map[string]any{"status": "PENDING", "age": "26h"},
		OccurredAt:    time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	if !strings.Contains(msg, "age: 26h\nstatus: PENDING") {
		t.Fatalf("message = %q", msg)
	}
}
