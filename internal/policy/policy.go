// Package policy implements per-IP request scoring and temporary bans for the API.
package policy

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/util"
)

// IPStats tracks per-IP statistics
type IPStats struct {
	LastBeat       int64 // Timestamp of last activity
	BannedAt       int64 // Timestamp when banned (0 = not banned)
	Score          int32
	LastScoreReset int64
	Requests       int64
	Errors         int64
}

// PolicyServer scores API clients and bans abusive IPs for a while
type PolicyServer struct {
	config *config.PolicyConfig

	statsMu sync.Mutex
	stats   map[string]*IPStats

	whitelist map[string]struct{}

	now func() time.Time

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPolicyServer creates a new policy server
func NewPolicyServer(cfg *config.PolicyConfig) *PolicyServer {
	p := &PolicyServer{
		config:    cfg,
		stats:     make(map[string]*IPStats),
		whitelist: make(map[string]struct{}, len(cfg.Whitelist)),
		now:       time.Now,
		quit:      make(chan struct{}),
	}
	for _, ip := range cfg.Whitelist {
		p.whitelist[ip] = struct{}{}
	}
	return p
}

// Start begins the reset loop
func (p *PolicyServer) Start() {
	if !p.config.Enabled {
		return
	}
	util.Infof("Starting API policy (max_score=%d, ban_time=%v)", p.config.MaxScore, p.config.BanTime)

	p.wg.Add(1)
	go p.resetLoop()
}

// Stop shuts down the policy server
func (p *PolicyServer) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
	util.Info("Policy server stopped")
}

func (p *PolicyServer) resetLoop() {
	defer p.wg.Done()

	interval := p.config.ScoreResetTime
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.resetStats()
		}
	}
}

// resetStats lifts expired bans and drops idle entries
func (p *PolicyServer) resetStats() {
	now := p.now().UnixMilli()
	banTimeout := p.config.BanTime.Milliseconds()
	staleTimeout := p.staleAfter().Milliseconds()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	removed, unbanned := 0, 0
	for ip, stats := range p.stats {
		if stats.BannedAt > 0 && now-stats.BannedAt >= banTimeout {
			stats.BannedAt = 0
			unbanned++
			util.Infof("Ban expired for %s", ip)
		}
		if stats.BannedAt == 0 && now-stats.LastBeat >= staleTimeout {
			delete(p.stats, ip)
			removed++
		}
	}

	if removed > 0 || unbanned > 0 {
		util.Debugf("Policy stats reset: removed %d stale, unbanned %d IPs", removed, unbanned)
	}
}

func (p *PolicyServer) staleAfter() time.Duration {
	d := p.config.ScoreResetTime * 10
	if d < p.config.BanTime {
		d = p.config.BanTime
	}
	return d
}

// getStats gets or creates stats for an IP. Caller holds statsMu.
func (p *PolicyServer) getStats(ip string) *IPStats {
	stats, ok := p.stats[ip]
	if !ok {
		stats = &IPStats{}
		p.stats[ip] = stats
	}
	stats.LastBeat = p.now().UnixMilli()
	return stats
}

// IsWhitelisted checks if an IP is whitelisted
func (p *PolicyServer) IsWhitelisted(ip string) bool {
	_, ok := p.whitelist[ip]
	return ok
}

// IsBanned checks if an IP is currently banned. Expired bans are lifted here.
func (p *PolicyServer) IsBanned(ip string) bool {
	if !p.config.Enabled || p.IsWhitelisted(ip) {
		return false
	}

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats, ok := p.stats[ip]
	if !ok || stats.BannedAt == 0 {
		return false
	}
	if p.now().UnixMilli()-stats.BannedAt >= p.config.BanTime.Milliseconds() {
		stats.BannedAt = 0
		return false
	}
	return true
}

// AddScore adds to an IP's score and returns false once the IP is banned
func (p *PolicyServer) AddScore(ip string, cost int32) bool {
	if !p.config.Enabled || p.IsWhitelisted(ip) {
		return true
	}

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats := p.getStats(ip)
	now := p.now()

	// Reset score if enough time passed
	if now.Unix()-stats.LastScoreReset >= int64(p.config.ScoreResetTime.Seconds()) {
		stats.Score = 0
		stats.LastScoreReset = now.Unix()
	}

	stats.Score += cost
	if stats.Score >= p.config.MaxScore {
		util.Warnf("Score limit exceeded for %s: %d >= %d", ip, stats.Score, p.config.MaxScore)
		stats.Score = 0
		if p.config.BanTime > 0 {
			stats.BannedAt = now.UnixMilli()
		}
		return false
	}
	return true
}

// GetScore returns current score for an IP
func (p *PolicyServer) GetScore(ip string) int32 {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	if stats, ok := p.stats[ip]; ok {
		return stats.Score
	}
	return 0
}

// GetStats returns tracked and banned IP counts
func (p *PolicyServer) GetStats() (total, banned int) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	total = len(p.stats)
	for _, stats := range p.stats {
		if stats.BannedAt > 0 {
			banned++
		}
	}
	return
}

// Middleware rejects banned clients with 429 and charges each request, plus
// an extra cost for requests that end in an error status.
func (p *PolicyServer) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !p.config.Enabled {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if p.IsBanned(ip) || !p.AddScore(ip, p.config.CostRequest) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}

		c.Next()

		p.statsMu.Lock()
		stats := p.getStats(ip)
		stats.Requests++
		failed := c.Writer.Status() >= http.StatusBadRequest
		if failed {
			stats.Errors++
		}
		p.statsMu.Unlock()

		if failed && p.config.CostError > 0 {
			p.AddScore(ip, p.config.CostError)
		}
	}
}
