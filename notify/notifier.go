// Package notify publishes relationship events to per-user pub/sub channels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kasuganosora/friendsync/cache"
	"go.uber.org/zap"
)

const channelPrefix = "notify:"

// Channel is the pub/sub channel carrying userID's notifications.
func Channel(userID string) string { return channelPrefix + userID }

// Event is the published notification body.
type Event struct {
	Type    string            `json:"type"`
	UserID  string            `json:"userId"`
	Payload map[string]string `json:"payload,omitempty"`
	At      time.Time         `json:"at"`
}

// Notifier publishes events. A user with no subscriber simply misses them.
type Notifier struct {
	ps     cache.PubSub
	now    func() time.Time
	logger *zap.Logger
}

// New creates a Notifier publishing on ps.
func New(ps cache.PubSub, logger *zap.Logger) *Notifier {
	return &Notifier{ps: ps, now: time.Now, logger: logger}
}

// Notify publishes event to userID.
func (n *Notifier) Notify(ctx context.Context, userID, event string, payload map[string]string) error {
	body, err := json.Marshal(Event{Type: event, UserID: userID, Payload: payload, At: n.now().UTC()})
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", event, err)
	}
	if err := n.ps.Publish(ctx, Channel(userID), string(body)); err != nil {
		return fmt.Errorf("notify: publish %s to %s: %w", event, userID, err)
	}
	n.logger.Debug("notification published", zap.String("user_id", userID), zap.String("event", event))
	return nil
}
