package taskstore

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"market-task-orchestrator/internal/models"
)

const subscriberBuffer = 64

// Subscribe streams progress events until ctx is done. Events are dropped
// rather than blocking when the consumer falls behind; the stored rows remain
// the source of truth.
func (s *Store) Subscribe(ctx context.Context) (<-chan models.ProgressEvent, error) {
	sub := s.client.Subscribe(ctx, Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", Channel, err)
	}

	out := make(chan models.ProgressEvent, subscriberBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.log.Warn("undecodable progress event", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				default:
					s.log.Warn("dropping progress event, subscriber full", zap.String("task_id", ev.TaskID))
				}
			}
		}
	}()
	return out, nil
}
