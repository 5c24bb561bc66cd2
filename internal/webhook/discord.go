package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kylemclaren/claude-routines/internal/db"
)

// Discord handles Discord webhook notifications
type Discord struct {
	client *http.Client
}

// NewDiscord creates a new Discord webhook handler
func NewDiscord(client *http.Client) *Discord {
	return &Discord{client: client}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

// EmbedField represents a field in a Discord embed
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// EmbedFooter represents the footer of a Discord embed
type EmbedFooter struct {
	Text string `json:"text"`
}

// DiscordPayload represents the webhook payload
type DiscordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// BuildPayload renders m as a single embed
func (d *Discord) BuildPayload(m Message) DiscordPayload {
	color, statusEmoji := 0xFF0000, "❌"
	if m.Status == db.ExecutionCompleted {
		color, statusEmoji = 0x00FF00, "✅"
	}

	// embed descriptions are capped at 4096 chars
	description := truncate(m.Summary, 3500, "\n\n*... (truncated)*")
	if description == "" {
		description = "*No summary*"
	}

	embed := DiscordEmbed{
		Title:       fmt.Sprintf("%s %s #%d", statusEmoji, m.Name, m.ExecutionID),
		Description: description,
		Color:       color,
		Fields: []EmbedField{
			{Name: "Status", Value: string(m.Status), Inline: true},
			{Name: "Duration", Value: m.Duration, Inline: true},
			{Name: "Cost", Value: m.Cost, Inline: true},
			{Name: "Trigger", Value: string(m.Trigger), Inline: true},
		},
		Footer: &EmbedFooter{Text: "Claude Routines"},
	}
	if m.StartedAt != nil {
		embed.Timestamp = m.StartedAt.Format(time.RFC3339)
	}

	if m.Error != "" {
		embed.Fields = append(embed.Fields, EmbedField{
			Name:  "⚠️ Error",
			Value: fmt.Sprintf("```\n%s\n```", truncate(m.Error, 500, "...")),
		})
	}

	return DiscordPayload{Embeds: []DiscordEmbed{embed}}
}

// Send posts m to webhookURL
func (d *Discord) Send(ctx context.Context, webhookURL string, m Message) error {
	return post(ctx, d.client, webhookURL, d.BuildPayload(m))
}
