package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kylemclaren/claude-routines/internal/db"
)

// Slack handles Slack webhook notifications
type Slack struct {
	client *http.Client
}

// NewSlack creates a new Slack webhook handler
func NewSlack(client *http.Client) *Slack {
	return &Slack{client: client}
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type     string         `json:"type"`
	Text     *SlackTextObj  `json:"text,omitempty"`
	Fields   []SlackTextObj `json:"fields,omitempty"`
	Elements []SlackElement `json:"elements,omitempty"`
}

// SlackTextObj represents a Slack text object
type SlackTextObj struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// SlackElement represents a Slack element (for context blocks)
type SlackElement struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackAttachment represents a Slack attachment (for colored sidebar)
type SlackAttachment struct {
	Color  string       `json:"color"`
	Blocks []SlackBlock `json:"blocks"`
}

// SlackPayload represents the webhook payload
type SlackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// BuildPayload renders m as a colored attachment of Block Kit blocks
func (s *Slack) BuildPayload(m Message) SlackPayload {
	color, statusEmoji, statusText := "#FF0000", ":x:", "Failed"
	if m.Status == db.ExecutionCompleted {
		color, statusEmoji, statusText = "#00FF00", ":white_check_mark:", "Completed"
	}

	summary := truncate(convertToSlackMarkdown(m.Summary), 2500, "\n... _(truncated)_")
	if summary == "" {
		summary = "_No summary_"
	}

	started := "n/a"
	if m.StartedAt != nil {
		started = fmt.Sprintf("<!date^%d^{date_short} {time}|%s>", m.StartedAt.Unix(), m.StartedAt.Format(time.RFC3339))
	}

	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObj{
				Type:  "plain_text",
				Text:  fmt.Sprintf("%s %s #%d", statusEmoji, m.Name, m.ExecutionID),
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObj{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Status:*\n%s", statusText)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Duration:*\n%s", m.Duration)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Cost:*\n%s", m.Cost)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Started:*\n%s", started)},
			},
		},
		{Type: "divider"},
		{
			Type: "section",
			Text: &SlackTextObj{Type: "mrkdwn", Text: summary},
		},
	}

	if m.Error != "" {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackTextObj{
				Type: "mrkdwn",
				Text: fmt.Sprintf(":warning: *Error:*\n```%s```", truncate(m.Error, 500, "...")),
			},
		})
	}

	blocks = append(blocks, SlackBlock{
		Type:     "context",
		Elements: []SlackElement{{Type: "mrkdwn", Text: fmt.Sprintf("Claude Routines · %s run", m.Trigger)}},
	})

	return SlackPayload{
		Attachments: []SlackAttachment{{Color: color, Blocks: blocks}},
	}
}

// Send posts m to webhookURL
func (s *Slack) Send(ctx context.Context, webhookURL string, m Message) error {
	return post(ctx, s.client, webhookURL, s.BuildPayload(m))
}

// convertToSlackMarkdown rewrites bold, links and headers into Slack mrkdwn, leaving code blocks alone
func convertToSlackMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	inCodeBlock := false
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			inCodeBlock = !inCodeBlock
		}
		if inCodeBlock {
			continue
		}
		for strings.Contains(lines[i], "**") {
			lines[i] = strings.Replace(lines[i], "**", "*", 2)
		}
		lines[i] = convertLinks(lines[i])

		if trimmed := strings.TrimSpace(lines[i]); strings.HasPrefix(trimmed, "#") {
			lines[i] = "*" + strings.TrimLeft(trimmed, "# ") + "*"
		}
	}
	return strings.Join(lines, "\n")
}

// convertLinks turns [text](url) into <url|text>
func convertLinks(line string) string {
	for {
		start := strings.Index(line, "[")
		if start == -1 {
			return line
		}
		end := strings.Index(line[start:], "](")
		if end == -1 {
			return line
		}
		end += start
		urlEnd := strings.Index(line[end+2:], ")")
		if urlEnd == -1 {
			return line
		}
		urlEnd += end + 2
		line = line[:start] + fmt.Sprintf("<%s|%s>", line[end+2:urlEnd], line[start+1:end]) + line[urlEnd+1:]
	}
}
