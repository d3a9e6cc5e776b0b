package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/marctheshark3/mining-wave/internal/cache"
	"github.com/marctheshark3/mining-wave/internal/chain"
	"github.com/marctheshark3/mining-wave/internal/pool"
	"github.com/marctheshark3/mining-wave/internal/util"
)

const (
	defaultWalletLimit = 10
	maxWalletLimit     = 100
	defaultBlocksLimit = 50
	maxBlocksLimit     = 500
)

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// validAddress checks the shape of an Ergo address
func validAddress(address string) bool {
	if len(address) < 30 || len(address) > 512 {
		return false
	}
	for _, r := range address {
		if !strings.ContainsRune(base58Alphabet, r) {
			return false
		}
	}
	return true
}

// parseLimit reads a positive integer query parameter, capped at max
func parseLimit(c *gin.Context, def, max int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}

// serveCached answers from the cache layer. A fresh entry is written as
// stored; a stale one gets its degraded apiStatus and a stale flag.
func (s *Server) serveCached(c *gin.Context, key cache.Key, ttl time.Duration, fn cache.ComputeFunc) {
	entry, err := s.cache.GetOrCompute(c.Request.Context(), key, ttl, fn)
	if err != nil {
		s.writeError(c, key.Kind, err)
		return
	}

	c.Header("X-Computed-At", entry.ComputedAt.UTC().Format(time.RFC3339))
	if !entry.Stale {
		c.Data(http.StatusOK, "application/json; charset=utf-8", entry.Payload)
		return
	}

	var body map[string]interface{}
	if err := json.Unmarshal(entry.Payload, &body); err != nil {
		util.Errorf("Decoding stale %s entry: %v", key.Kind, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read cached " + key.Kind})
		return
	}
	body["apiStatus"] = entry.APIStatus
	body["stale"] = true
	c.JSON(http.StatusOK, body)
}

func (s *Server) writeError(c *gin.Context, kind string, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		// client went away
		c.Status(499)
	case errors.Is(err, pool.ErrMinerNotFound):
		c.JSON(http.StatusNotFound, gin.H{})
	case errors.Is(err, chain.ErrUpstreamUnavailable), errors.Is(err, context.DeadlineExceeded):
		util.Warnf("API %s unavailable: %v", kind, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Upstream unavailable, no cached " + kind})
	default:
		util.Errorf("API %s failed: %v", kind, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get " + kind})
	}
}

// handleWallet returns the wallet summary
func (s *Server) handleWallet(c *gin.Context) {
	limit, ok := parseLimit(c, defaultWalletLimit, maxWalletLimit)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}
	comprehensive := true
	if raw := c.Query("use_comprehensive"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid use_comprehensive"})
			return
		}
		comprehensive = v
	}

	key := cache.NewKey("wallet", strconv.Itoa(limit), strconv.FormatBool(comprehensive))
	s.serveCached(c, key, s.cfg.Cache.LiveTTL, func(ctx context.Context) (interface{}, cache.APIStatus, error) {
		r, err := s.svc.Wallet(ctx, limit, comprehensive)
		if err != nil {
			return nil, cache.APIStatus{}, err
		}
		return r, r.APIStatus, nil
	})
}

// handleStats returns period statistics and tier estimates
func (s *Server) handleStats(c *gin.Context) {
	s.serveCached(c, cache.NewKey("stats"), s.cfg.Cache.StatsTTL, func(ctx context.Context) (interface{}, cache.APIStatus, error) {
		r, err := s.svc.Stats(ctx)
		if err != nil {
			return nil, cache.APIStatus{}, err
		}
		return r, r.APIStatus, nil
	})
}

// handleMiner returns a miner's estimated demurrage earnings
func (s *Server) handleMiner(c *gin.Context) {
	address := c.Param("address")
	if !validAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid address"})
		return
	}

	s.serveCached(c, cache.NewKey("miner", address), s.cfg.Cache.StatsTTL, func(ctx context.Context) (interface{}, cache.APIStatus, error) {
		r, err := s.svc.Miner(ctx, address)
		if err != nil {
			return nil, cache.APIStatus{}, err
		}
		return r, r.APIStatus, nil
	})
}

// handleEpochs returns recent epoch statistics
func (s *Server) handleEpochs(c *gin.Context) {
	s.serveCached(c, cache.NewKey("epochs"), s.cfg.Cache.StatsTTL, func(ctx context.Context) (interface{}, cache.APIStatus, error) {
		r, err := s.svc.Epochs(ctx)
		if err != nil {
			return nil, cache.APIStatus{}, err
		}
		return r, r.APIStatus, nil
	})
}

// handleBlocks returns blocks with verified collections
func (s *Server) handleBlocks(c *gin.Context) {
	limit, ok := parseLimit(c, defaultBlocksLimit, maxBlocksLimit)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}

	s.serveCached(c, cache.NewKey("blocks", strconv.Itoa(limit)), s.cfg.Cache.LiveTTL, func(ctx context.Context) (interface{}, cache.APIStatus, error) {
		r, err := s.svc.Blocks(ctx, limit)
		if err != nil {
			return nil, cache.APIStatus{}, err
		}
		return r, r.APIStatus, nil
	})
}

// handleDebug returns pattern vs verified diagnostics
func (s *Server) handleDebug(c *gin.Context) {
	s.serveCached(c, cache.NewKey("debug"), s.cfg.Cache.LiveTTL, func(ctx context.Context) (interface{}, cache.APIStatus, error) {
		r, err := s.svc.Debug(ctx)
		if err != nil {
			return nil, cache.APIStatus{}, err
		}
		return r, r.APIStatus, nil
	})
}

// handleHealth probes upstreams and the store on every call
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Health(c.Request.Context()))
}
