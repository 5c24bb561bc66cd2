package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel carries progress notifications between processes sharing one store
const DefaultChannel = "claude-routines.progress"

type notification struct {
	OwnerID     string `json:"owner_id"`
	ExecutionID int64  `json:"execution_id"`
	Terminal    bool   `json:"terminal,omitempty"`
}

// Relay forwards progress notifications through redis pub/sub so a daemon's writes wake
// subscribers held by an API process. Every local notification goes through redis and back,
// which keeps a single delivery path. Losing a message only delays delivery to the next poll.
type Relay struct {
	client  *redis.Client
	channel string
	manager *Manager
}

// NewRedisClient parses a redis:// URL
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return redis.NewClient(opt), nil
}

// NewRelay creates a relay publishing on channel and feeding received notifications to manager
func NewRelay(client *redis.Client, channel string, manager *Manager) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{client: client, channel: channel, manager: manager}
}

// LogAppended implements logs.Notifier
func (r *Relay) LogAppended(line *db.LogLine) {
	r.publish(notification{OwnerID: line.OwnerID, ExecutionID: line.ExecutionID})
}

// ExecutionFinished is registered as an execution finish hook
func (r *Relay) ExecutionFinished(_ context.Context, f executions.Finished) {
	r.publish(notification{OwnerID: f.Execution.OwnerID, ExecutionID: f.Execution.ID, Terminal: true})
}

func (r *Relay) publish(n notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.manager.logger.WithError(err).Warn("Failed to publish progress notification")
	}
}

// Run receives notifications until ctx is done
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.manager.logger.Infof("Relaying progress notifications over redis channel %s", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				r.manager.logger.WithError(err).Warn("Dropping malformed progress notification")
				continue
			}
			r.manager.Notify(n.OwnerID, n.ExecutionID, n.Terminal)
		}
	}
}
