// Package newrelic reports API transactions and classified demurrage events to New Relic.
package newrelic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/demurrage"
	"github.com/marctheshark3/mining-wave/internal/util"
)

const demurrageEventType = "DemurrageEvent"

// Agent holds the New Relic application once started. A zero or
// unstarted agent drops everything.
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates an agent; call Start to connect
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start connects to New Relic when enabled and licensed
func (a *Agent) Start() error {
	switch {
	case !a.cfg.Enabled:
		util.Info("New Relic APM disabled")
		return nil
	case a.cfg.LicenseKey == "":
		util.Warnf("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return fmt.Errorf("newrelic application: %w", err)
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic not connected yet: %v", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM reporting as %s", a.cfg.AppName)
	return nil
}

// Stop flushes pending data and disconnects
func (a *Agent) Stop() {
	app := a.application()
	if app == nil {
		return
	}
	util.Info("Shutting down New Relic agent")
	app.Shutdown(10 * time.Second)
}

// Enabled reports whether Start created an application
func (a *Agent) Enabled() bool {
	return a.application() != nil
}

func (a *Agent) application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// Middleware wraps every API request in a web transaction named after its route
func (a *Agent) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		app := a.application()
		if app == nil {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		txn := app.StartTransaction(c.Request.Method + " " + route)
		defer txn.End()

		txn.SetWebRequestHTTP(c.Request)
		c.Request = c.Request.WithContext(newrelic.NewContext(c.Request.Context(), txn))
		c.Next()

		status := c.Writer.Status()
		txn.AddAttribute("httpResponseCode", status)
		if status >= 500 {
			txn.NoticeError(fmt.Errorf("%s %s: status %d", c.Request.Method, route, status))
		}
	}
}

// Publish records one DemurrageEvent per classified event
func (a *Agent) Publish(_ context.Context, events []*demurrage.Event) {
	app := a.application()
	if app == nil {
		return
	}
	for _, ev := range events {
		app.RecordCustomEvent(demurrageEventType, eventAttributes(ev))
	}
}

func eventAttributes(ev *demurrage.Event) map[string]interface{} {
	return map[string]interface{}{
		"txId":       ev.TxID,
		"height":     ev.BlockHeight,
		"direction":  string(ev.Direction),
		"confidence": string(ev.Confidence),
		"amount":     util.ToCoins(ev.Amount),
		"recipients": ev.RecipientCount,
		"rule":       ev.Rule,
	}
}
