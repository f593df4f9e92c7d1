package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/regtruth/regtruth/pkg/kv"
)

// Heartbeat is the record a long-running drainer loop publishes each cycle.
// The watchdog derives "drainer idle minutes" from Timestamp.
type Heartbeat struct {
	Worker         string    `json:"worker"`
	Cycle          int64     `json:"cycle"`
	ItemsProcessed int64     `json:"items_processed"`
	Timestamp      time.Time `json:"timestamp"`
}

const heartbeatTTL = 24 * time.Hour

func heartbeatKey(worker string) string { return fmt.Sprintf("heartbeat:%s", worker) }

// PublishHeartbeat writes the worker's heartbeat to the shared KV.
func PublishHeartbeat(ctx context.Context, store kv.Store, hb Heartbeat) error {
	raw, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("queue: marshal heartbeat: %w", err)
	}
	return store.Set(ctx, heartbeatKey(hb.Worker), raw, heartbeatTTL)
}

// ReadHeartbeat loads the last heartbeat for a worker; ok is false when no
// heartbeat was ever published (the watchdog treats that as WARN).
func ReadHeartbeat(ctx context.Context, store kv.Store, worker string) (Heartbeat, bool, error) {
	raw, err := store.Get(ctx, heartbeatKey(worker))
	if errors.Is(err, kv.ErrNotFound) {
		return Heartbeat{}, false, nil
	}
	if err != nil {
		return Heartbeat{}, false, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return Heartbeat{}, false, fmt.Errorf("queue: decode heartbeat: %w", err)
	}
	return hb, true, nil
}
