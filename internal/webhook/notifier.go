package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/kylemclaren/claude-routines/internal/log"
	"github.com/tidwall/gjson"
)

// Notifier sends completion notifications for executions whose routine or agent config
// names a webhook under notify.slack_webhook or notify.discord_webhook
type Notifier struct {
	db      *db.DB
	slack   *Slack
	discord *Discord
	logger  log.Logger
	wg      sync.WaitGroup
}

// NewNotifier creates a notifier that posts with a 10 second timeout
func NewNotifier(database *db.DB, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.GetLogger()
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return &Notifier{
		db:      database,
		slack:   NewSlack(client),
		discord: NewDiscord(client),
		logger:  logger,
	}
}

// ExecutionFinished is registered as an execution finish hook. Delivery happens in the
// background; failures are logged and never affect the execution.
func (n *Notifier) ExecutionFinished(ctx context.Context, f executions.Finished) {
	e := f.Execution
	name, config, err := n.parent(ctx, e)
	if err != nil {
		n.logger.WithError(err).WithField("execution_id", e.ID).Warn("Skipping webhook: parent lookup failed")
		return
	}
	notify := gjson.GetBytes(config, "notify")
	slackURL := notify.Get("slack_webhook").String()
	discordURL := notify.Get("discord_webhook").String()
	if slackURL == "" && discordURL == "" {
		return
	}

	m := NewMessage(name, e, f.Summary)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger := n.logger.WithField("execution_id", e.ID)
		if slackURL != "" {
			if err := n.slack.Send(ctx, slackURL, m); err != nil {
				logger.WithError(err).Warn("Slack webhook failed")
			}
		}
		if discordURL != "" {
			if err := n.discord.Send(ctx, discordURL, m); err != nil {
				logger.WithError(err).Warn("Discord webhook failed")
			}
		}
	}()
}

// Wait blocks until in-flight deliveries finish
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) parent(ctx context.Context, e *db.Execution) (string, db.JSON, error) {
	switch e.ParentKind {
	case db.ParentRoutine:
		r, err := n.db.GetRoutine(ctx, e.OwnerID, e.ParentID)
		if err != nil {
			return "", nil, err
		}
		return r.Name, r.Config, nil
	case db.ParentModule:
		a, err := n.db.GetAgent(ctx, e.OwnerID, e.ParentID)
		if err != nil {
			return "", nil, err
		}
		return a.Name, a.Config, nil
	}
	return "", nil, fmt.Errorf("unknown parent kind %q", e.ParentKind)
}

func post(ctx context.Context, client *http.Client, webhookURL string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
