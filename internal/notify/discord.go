package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Discord embed limits.
const (
	discordTitleLimit = 256
	discordDescLimit  = 4096
)

// Embed colours: fallback events are red, everything else treasury blue.
const (
	colorAlert   = 0xD64545
	colorDefault = 0x3B82F6
)

// DiscordSender delivers notifications to a Discord webhook as a single
// embed.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// NewDiscordSender creates a DiscordSender with a 10-second HTTP timeout.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts one embed. Title and description are truncated to Discord's
// limits.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	color := colorDefault
	if strings.Contains(title, "fallback.") {
		color = colorAlert
	}
	body, err := json.Marshal(discordPayload{
		Username: "treasury",
		Embeds: []discordEmbed{{
			Title:       truncate(title, discordTitleLimit),
			Description: truncate(message, discordDescLimit),
			Color:       color,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string { return "discord" }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
