package policy

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marctheshark3/mining-wave/internal/config"
)

func testConfig() *config.PolicyConfig {
	return &config.PolicyConfig{
		Enabled:        true,
		MaxScore:       10,
		ScoreResetTime: time.Minute,
		BanTime:        5 * time.Minute,
		CostRequest:    1,
		CostError:      5,
		Whitelist:      []string{"127.0.0.1"},
	}
}

type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time { return f.t }

func newTestServer(cfg *config.PolicyConfig) (*PolicyServer, *fakeNow) {
	clock := &fakeNow{t: time.Unix(1_700_000_000, 0)}
	p := NewPolicyServer(cfg)
	p.now = clock.now
	return p, clock
}

func TestAddScoreBans(t *testing.T) {
	p, clock := newTestServer(testConfig())
	ip := "10.0.0.1"

	for i := 0; i < 9; i++ {
		if !p.AddScore(ip, 1) {
			t.Fatalf("AddScore() #%d = false, want true", i+1)
		}
	}
	if got := p.GetScore(ip); got != 9 {
		t.Errorf("GetScore() = %d, want 9", got)
	}
	if p.AddScore(ip, 1) {
		t.Error("AddScore() at max score = true, want false")
	}
	if !p.IsBanned(ip) {
		t.Fatal("IsBanned() = false after reaching max score")
	}
	if total, banned := p.GetStats(); total != 1 || banned != 1 {
		t.Errorf("GetStats() = %d, %d, want 1, 1", total, banned)
	}

	clock.t = clock.t.Add(5 * time.Minute)
	if p.IsBanned(ip) {
		t.Error("IsBanned() = true after ban time elapsed")
	}
}

func TestScoreResets(t *testing.T) {
	p, clock := newTestServer(testConfig())
	ip := "10.0.0.2"

	p.AddScore(ip, 8)
	clock.t = clock.t.Add(time.Minute)
	if !p.AddScore(ip, 8) {
		t.Error("AddScore() after reset window = false, want true")
	}
	if got := p.GetScore(ip); got != 8 {
		t.Errorf("GetScore() = %d, want 8", got)
	}
}

func TestWhitelistAndDisabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  func() *config.PolicyConfig
		ip   string
	}{
		{"whitelisted ip", testConfig, "127.0.0.1"},
		{"policy disabled", func() *config.PolicyConfig {
			c := testConfig()
			c.Enabled = false
			return c
		}, "10.0.0.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestServer(tt.cfg())
			for i := 0; i < 50; i++ {
				if !p.AddScore(tt.ip, 5) {
					t.Fatal("AddScore() = false, want true")
				}
			}
			if p.IsBanned(tt.ip) {
				t.Error("IsBanned() = true, want false")
			}
		})
	}
}

func TestResetStats(t *testing.T) {
	p, clock := newTestServer(testConfig())

	p.AddScore("10.0.0.4", 10) // banned
	p.AddScore("10.0.0.5", 1)

	clock.t = clock.t.Add(6 * time.Minute)
	p.resetStats()
	if total, banned := p.GetStats(); total != 2 || banned != 0 {
		t.Errorf("after ban expiry GetStats() = %d, %d, want 2, 0", total, banned)
	}

	clock.t = clock.t.Add(10 * time.Minute)
	p.resetStats()
	if total, _ := p.GetStats(); total != 0 {
		t.Errorf("after idle GetStats() total = %d, want 0", total)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p, _ := newTestServer(testConfig())

	r := gin.New()
	r.Use(p.Middleware())
	r.GET("/ok", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })
	r.GET("/missing", func(c *gin.Context) { c.JSON(http.StatusNotFound, gin.H{"error": "not found"}) })

	do := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.9:5555"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := do("/ok"); code != http.StatusOK {
		t.Fatalf("GET /ok = %d, want 200", code)
	}
	// 1 + (1+5) = 7
	if code := do("/missing"); code != http.StatusNotFound {
		t.Fatalf("GET /missing = %d, want 404", code)
	}
	if got := p.GetScore("10.0.0.9"); got != 7 {
		t.Errorf("score = %d, want 7", got)
	}

	// 8, 9, then the ban
	do("/ok")
	do("/ok")
	if code := do("/ok"); code != http.StatusTooManyRequests {
		t.Errorf("GET /ok at max score = %d, want 429", code)
	}
	if code := do("/ok"); code != http.StatusTooManyRequests {
		t.Errorf("GET /ok while banned = %d, want 429", code)
	}
}

func TestStartStop(t *testing.T) {
	p := NewPolicyServer(testConfig())
	p.Start()
	p.Stop()
	p.Stop()
}

func TestConcurrentAddScore(t *testing.T) {
	cfg := testConfig()
	cfg.MaxScore = 1 << 30
	p, _ := newTestServer(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.AddScore("10.0.0.10", 1)
			}
		}()
	}
	wg.Wait()

	if got := p.GetScore("10.0.0.10"); got != 1000 {
		t.Errorf("GetScore() = %d, want 1000", got)
	}
}
