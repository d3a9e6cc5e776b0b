// Package notify sends Discord and Telegram notifications for demurrage events.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/marctheshark3/mining-wave/internal/clock"
	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/demurrage"
	"github.com/marctheshark3/mining-wave/internal/util"
)

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
	RateLimitDelay = 5 * time.Second
)

const defaultTelegramAPI = "https://api.telegram.org"

// Notifier handles sending notifications
type Notifier struct {
	cfg         *config.NotifyConfig
	client      *http.Client
	telegramAPI string
	retryDelay  time.Duration
	rateDelay   time.Duration
	wg          sync.WaitGroup
}

// NewNotifier creates a new notifier
func NewNotifier(cfg *config.NotifyConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		telegramAPI: defaultTelegramAPI,
		retryDelay:  RetryBaseDelay,
		rateDelay:   RateLimitDelay,
	}
}

// Publish notifies about verified events at or above the configured minimum amount.
// Messages are sent in the background; Wait blocks until they are done.
func (n *Notifier) Publish(ctx context.Context, events []*demurrage.Event) {
	if !n.cfg.Enabled {
		return
	}
	for _, ev := range events {
		if ev.Confidence != demurrage.Verified || util.ToCoins(ev.Amount) < n.cfg.MinAmount {
			continue
		}
		switch ev.Direction {
		case demurrage.Collection:
			n.NotifyCollection(ctx, ev)
		case demurrage.Distribution:
			n.NotifyDistribution(ctx, ev)
		}
	}
}

// Wait blocks until all pending notifications have been sent or given up
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// NotifyCollection announces demurrage collected into the pool wallet
func (n *Notifier) NotifyCollection(ctx context.Context, ev *demurrage.Event) {
	amount := util.ToCoins(ev.Amount)
	embed := DiscordEmbed{
		Title:       "Demurrage Collected",
		Description: fmt.Sprintf("**%s** collected storage rent", n.cfg.PoolName),
		Color:       0x00FF00, // Green
		Fields: []DiscordField{
			{Name: "Height", Value: fmt.Sprintf("%d", ev.BlockHeight), Inline: true},
			{Name: "Amount", Value: fmt.Sprintf("%.4f ERG", amount), Inline: true},
			{Name: "Transaction", Value: truncateHash(ev.TxID), Inline: false},
		},
	}
	text := fmt.Sprintf(
		"*Demurrage Collected*\n\n"+
			"Height: `%d`\n"+
			"Amount: `%.4f ERG`\n"+
			"Tx: `%s`",
		ev.BlockHeight, amount, truncateHash(ev.TxID),
	)
	n.dispatch(ctx, embed, text)
}

// NotifyDistribution announces demurrage paid out to miners
func (n *Notifier) NotifyDistribution(ctx context.Context, ev *demurrage.Event) {
	amount := util.ToCoins(ev.Amount)
	embed := DiscordEmbed{
		Title:       "Demurrage Distributed",
		Description: fmt.Sprintf("**%s** paid demurrage to miners", n.cfg.PoolName),
		Color:       0x0099FF, // Blue
		Fields: []DiscordField{
			{Name: "Height", Value: fmt.Sprintf("%d", ev.BlockHeight), Inline: true},
			{Name: "Total Paid", Value: fmt.Sprintf("%.4f ERG", amount), Inline: true},
			{Name: "Miners", Value: fmt.Sprintf("%d", ev.RecipientCount), Inline: true},
			{Name: "Transaction", Value: truncateHash(ev.TxID), Inline: false},
		},
	}
	text := fmt.Sprintf(
		"*Demurrage Distributed*\n\n"+
			"Height: `%d`\n"+
			"Total Paid: `%.4f ERG`\n"+
			"Miners: `%d`\n"+
			"Tx: `%s`",
		ev.BlockHeight, amount, ev.RecipientCount, truncateHash(ev.TxID),
	)
	n.dispatch(ctx, embed, text)
}

func (n *Notifier) dispatch(ctx context.Context, embed DiscordEmbed, text string) {
	if n.cfg.DiscordURL != "" {
		embed.Timestamp = time.Now().UTC().Format(time.RFC3339)
		embed.Footer = &DiscordFooter{Text: n.cfg.PoolName}
		if n.cfg.PoolURL != "" {
			embed.URL = n.cfg.PoolURL
		}
		msg := DiscordMessage{Embeds: []DiscordEmbed{embed}}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.post(ctx, n.cfg.DiscordURL, msg); err != nil {
				util.Warnf("Failed to send Discord notification after %d attempts: %v", MaxRetries, err)
			}
		}()
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramAPI, n.cfg.TelegramBot)
		msg := TelegramMessage{
			ChatID:    n.cfg.TelegramChat,
			Text:      text,
			ParseMode: "Markdown",
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.post(ctx, url, msg); err != nil {
				util.Warnf("Failed to send Telegram notification after %d attempts: %v", MaxRetries, err)
			}
		}()
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// post sends a JSON payload with exponential backoff retry
func (n *Notifier) post(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// 2s, 4s
			if err := clock.SleepWithContext(ctx, clock.Backoff(n.retryDelay, 0, attempt-1)); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return nil
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			if err := clock.SleepWithContext(ctx, n.rateDelay); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// truncateHash returns a shortened hash for display
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
