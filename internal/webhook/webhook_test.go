package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/kylemclaren/claude-routines/internal/testutil"
	"github.com/kylemclaren/claude-routines/internal/webhook"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu     sync.Mutex
	bodies map[string][]byte
}

func newCapture(t *testing.T) (*capture, *httptest.Server) {
	c := &capture{bodies: make(map[string][]byte)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies[r.URL.Path] = body
		c.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return c, srv
}

func (c *capture) get(path string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bodies[path]
}

func finishedRoutine(t *testing.T, database *db.DB, config string, fail bool) executions.Finished {
	t.Helper()
	ctx := context.Background()
	agent := &db.Agent{OwnerID: "acme", Name: "mailer"}
	require.NoError(t, database.CreateAgent(ctx, agent))
	r := &db.Routine{OwnerID: "acme", AgentID: agent.ID, Name: "inbox digest", Frequency: db.FrequencyDaily,
		Config: db.JSON(config)}
	require.NoError(t, database.CreateRoutine(ctx, r))

	logger, _ := test.NewNullLogger()
	store := executions.New(database, executions.WithLogger(logger))
	e, err := store.Create(ctx, "acme", db.Parent{Kind: db.ParentRoutine, ID: r.ID}, db.TriggerScheduled, nil)
	require.NoError(t, err)
	_, err = store.MarkRunning(ctx, "acme", e.ID)
	require.NoError(t, err)
	if fail {
		e, err = store.Fail(ctx, "acme", e.ID, "quota exceeded")
	} else {
		e, err = store.Complete(ctx, "acme", e.ID, executions.Result{CostUSD: 0.02, DurationMs: 1500, Summary: "**3** new mails"})
	}
	require.NoError(t, err)
	return executions.Finished{Execution: e, Summary: "**3** new mails"}
}

func TestNotifierPostsToConfiguredWebhooks(t *testing.T) {
	database := testutil.NewSQLite(t)
	c, srv := newCapture(t)
	config := `{"prompt":"p","notify":{"slack_webhook":"` + srv.URL + `/slack","discord_webhook":"` + srv.URL + `/discord"}}`
	f := finishedRoutine(t, database, config, false)

	logger, _ := test.NewNullLogger()
	n := webhook.NewNotifier(database, logger)
	n.ExecutionFinished(context.Background(), f)
	n.Wait()

	var slack webhook.SlackPayload
	require.NoError(t, json.Unmarshal(c.get("/slack"), &slack))
	require.Len(t, slack.Attachments, 1)
	assert.Equal(t, "#00FF00", slack.Attachments[0].Color)
	blocks := slack.Attachments[0].Blocks
	assert.Contains(t, blocks[0].Text.Text, "inbox digest")
	assert.Equal(t, "*3* new mails", blocks[3].Text.Text)

	var discord webhook.DiscordPayload
	require.NoError(t, json.Unmarshal(c.get("/discord"), &discord))
	require.Len(t, discord.Embeds, 1)
	assert.Equal(t, 0x00FF00, discord.Embeds[0].Color)
	assert.Equal(t, "$0.0200", discord.Embeds[0].Fields[2].Value)
}

func TestNotifierSkipsUnconfigured(t *testing.T) {
	database := testutil.NewSQLite(t)
	c, _ := newCapture(t)
	f := finishedRoutine(t, database, `{"prompt":"p"}`, false)

	logger, _ := test.NewNullLogger()
	n := webhook.NewNotifier(database, logger)
	n.ExecutionFinished(context.Background(), f)
	n.Wait()
	assert.Empty(t, c.bodies)
}

func TestNotifierLogsDeliveryFailure(t *testing.T) {
	database := testutil.NewSQLite(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	f := finishedRoutine(t, database, `{"notify":{"slack_webhook":"`+srv.URL+`"}}`, true)

	logger, hook := test.NewNullLogger()
	n := webhook.NewNotifier(database, logger)
	n.ExecutionFinished(context.Background(), f)
	n.Wait()

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Slack webhook failed", hook.LastEntry().Message)
	assert.Contains(t, hook.LastEntry().Data["error"].(error).Error(), "status 500")
}

func TestFailedMessage(t *testing.T) {
	started := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	msg := "boom " + strings.Repeat("x", 600)
	e := &db.Execution{ID: 7, Status: db.ExecutionFailed, TriggerType: db.TriggerManual, StartedAt: &started, ErrorMessage: &msg}

	m := webhook.NewMessage("inbox digest", e, "")
	assert.Equal(t, "n/a", m.Duration)
	assert.Equal(t, "n/a", m.Cost)

	p := webhook.NewSlack(http.DefaultClient).BuildPayload(m)
	blocks := p.Attachments[0].Blocks
	assert.Equal(t, "#FF0000", p.Attachments[0].Color)
	assert.Equal(t, "_No summary_", blocks[3].Text.Text)
	assert.True(t, strings.HasSuffix(blocks[4].Text.Text, "...```"))

	d := webhook.NewDiscord(http.DefaultClient).BuildPayload(m)
	assert.Equal(t, started.Format(time.RFC3339), d.Embeds[0].Timestamp)
	assert.Equal(t, "⚠️ Error", d.Embeds[0].Fields[4].Name)
}

func TestSlackMarkdownConversion(t *testing.T) {
	m := webhook.Message{Name: "n", Status: db.ExecutionCompleted,
		Summary: "# Report\nsee [docs](https://example.com) for **details**\n```\n**kept**\n```"}
	p := webhook.NewSlack(http.DefaultClient).BuildPayload(m)
	assert.Equal(t, "*Report*\nsee <https://example.com|docs> for *details*\n```\n**kept**\n```",
		p.Attachments[0].Blocks[3].Text.Text)
}
