package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/demurrage"
)

func testNotifier(cfg *config.NotifyConfig) *Notifier {
	n := NewNotifier(cfg)
	n.retryDelay = time.Millisecond
	n.rateDelay = time.Millisecond
	return n
}

func collectionEvent(nano int64) *demurrage.Event {
	return &demurrage.Event{
		TxID:        "b3e1c5a0d7f24c11a9e8c0f3d2b1a0e9f8d7c6b5a4",
		BlockHeight: 1495702,
		Direction:   demurrage.Collection,
		Confidence:  demurrage.Verified,
		Amount:      nano,
	}
}

type recorder struct {
	mu     sync.Mutex
	bodies [][]byte
	paths  []string
}

func (r *recorder) handler(status func(n int) int) http.HandlerFunc {
	var calls int32
	return func(w http.ResponseWriter, req *http.Request) {
		n := int(atomic.AddInt32(&calls, 1))
		buf, _ := io.ReadAll(req.Body)

		r.mu.Lock()
		r.bodies = append(r.bodies, buf)
		r.paths = append(r.paths, req.URL.Path)
		r.mu.Unlock()

		w.WriteHeader(status(n))
	}
}

func ok(int) int { return http.StatusNoContent }

func TestNewNotifier(t *testing.T) {
	cfg := &config.NotifyConfig{Enabled: true, PoolName: "Sigmanauts Mining Pool"}
	n := NewNotifier(cfg)

	if n.cfg != cfg {
		t.Error("Notifier.cfg not set correctly")
	}
	if n.client.Timeout != 10*time.Second {
		t.Errorf("Client timeout = %v, want 10s", n.client.Timeout)
	}
	if n.telegramAPI != defaultTelegramAPI {
		t.Errorf("telegramAPI = %s, want %s", n.telegramAPI, defaultTelegramAPI)
	}
}

func TestPublishFilters(t *testing.T) {
	tests := []struct {
		name      string
		enabled   bool
		minAmount float64
		event     *demurrage.Event
		wantCalls int
	}{
		{"verified collection", true, 0, collectionEvent(625_000_000), 1},
		{"disabled", false, 0, collectionEvent(625_000_000), 0},
		{"below minimum", true, 1, collectionEvent(625_000_000), 0},
		{"pattern collection", true, 0, &demurrage.Event{
			TxID: "p", Direction: demurrage.Collection, Confidence: demurrage.Pattern, Amount: 2_500_000,
		}, 0},
		{"verified distribution", true, 0, &demurrage.Event{
			TxID: "d", Direction: demurrage.Distribution, Confidence: demurrage.Verified, Amount: 750_000_000_000, RecipientCount: 15,
		}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			server := httptest.NewServer(rec.handler(ok))
			defer server.Close()

			n := testNotifier(&config.NotifyConfig{
				Enabled:    tt.enabled,
				DiscordURL: server.URL,
				PoolName:   "Test Pool",
				MinAmount:  tt.minAmount,
			})
			n.Publish(context.Background(), []*demurrage.Event{tt.event})
			n.Wait()

			if len(rec.bodies) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(rec.bodies), tt.wantCalls)
			}
		})
	}
}

func TestDiscordCollectionMessage(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler(ok))
	defer server.Close()

	n := testNotifier(&config.NotifyConfig{
		Enabled:    true,
		DiscordURL: server.URL,
		PoolName:   "Test Pool",
		PoolURL:    "https://pool.example.com",
	})
	n.NotifyCollection(context.Background(), collectionEvent(4_986_300_000))
	n.Wait()

	if len(rec.bodies) != 1 {
		t.Fatalf("calls = %d, want 1", len(rec.bodies))
	}
	var msg DiscordMessage
	if err := json.Unmarshal(rec.bodies[0], &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(msg.Embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(msg.Embeds))
	}
	embed := msg.Embeds[0]
	if embed.Title != "Demurrage Collected" {
		t.Errorf("Title = %s, want Demurrage Collected", embed.Title)
	}
	if embed.URL != "https://pool.example.com" {
		t.Errorf("URL = %s", embed.URL)
	}
	if embed.Fields[1].Value != "4.9863 ERG" {
		t.Errorf("Amount field = %s, want 4.9863 ERG", embed.Fields[1].Value)
	}
	if embed.Footer == nil || embed.Footer.Text != "Test Pool" {
		t.Errorf("Footer = %+v", embed.Footer)
	}
}

func TestTelegramDistributionMessage(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler(ok))
	defer server.Close()

	n := testNotifier(&config.NotifyConfig{
		Enabled:      true,
		TelegramBot:  "123:ABC",
		TelegramChat: "-100123",
	})
	n.telegramAPI = server.URL

	n.NotifyDistribution(context.Background(), &demurrage.Event{
		TxID:           "dist",
		BlockHeight:    1496100,
		Direction:      demurrage.Distribution,
		Confidence:     demurrage.Verified,
		Amount:         750_000_000_000,
		RecipientCount: 15,
	})
	n.Wait()

	if len(rec.paths) != 1 || rec.paths[0] != "/bot123:ABC/sendMessage" {
		t.Fatalf("paths = %v", rec.paths)
	}
	var msg TelegramMessage
	if err := json.Unmarshal(rec.bodies[0], &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.ChatID != "-100123" || msg.ParseMode != "Markdown" {
		t.Errorf("msg = %+v", msg)
	}
	if !strings.Contains(msg.Text, "Total Paid: `750.0000 ERG`") || !strings.Contains(msg.Text, "Miners: `15`") {
		t.Errorf("Text = %q", msg.Text)
	}
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name      string
		status    func(n int) int
		wantCalls int
	}{
		{"recovers after server error", func(n int) int {
			if n == 1 {
				return http.StatusInternalServerError
			}
			return http.StatusOK
		}, 2},
		{"rate limited then ok", func(n int) int {
			if n == 1 {
				return http.StatusTooManyRequests
			}
			return http.StatusOK
		}, 2},
		{"gives up", func(int) int { return http.StatusBadGateway }, MaxRetries},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			server := httptest.NewServer(rec.handler(tt.status))
			defer server.Close()

			n := testNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL})
			n.NotifyCollection(context.Background(), collectionEvent(1))
			n.Wait()

			if len(rec.bodies) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(rec.bodies), tt.wantCalls)
			}
		})
	}
}

func TestPostCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := testNotifier(&config.NotifyConfig{})
	n.retryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.post(ctx, server.URL, DiscordMessage{Content: "x"}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("post() should fail when canceled")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("post() did not return after cancel")
	}
}

func TestTruncateHash(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"short", "short"},
		{"12345678901234567890", "12345678901234567890"},
		{"b3e1c5a0d7f24c11a9e8c0f3d2b1a0e9f8d7c6b5a4", "b3e1c5a0d7...d7c6b5a4"},
	}

	for _, tt := range tests {
		if got := truncateHash(tt.input); got != tt.want {
			t.Errorf("truncateHash(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
