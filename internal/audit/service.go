// Package audit records every checkout lifecycle event into the
// order_events table, giving operators a durable trail to reconcile
// against the gateway (amount mismatches, phantom reservations).
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/oakline/storefront/internal/orders"
	"github.com/oakline/storefront/internal/redisx"
)

type Service struct {
	DB          *pgxpool.Pool
	Redis       *redis.Client
	Log         *zap.Logger
	ServiceName string
}

// HandleEvent is the consumer handler for every checkout topic. Events
// are deduplicated twice: a redis fast-path on event_id, and an
// insert-on-conflict-do-nothing backstop in the table itself.
func (s *Service) HandleEvent(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// Malformed message; retrying will never help.
		s.Log.Warn("dropping malformed event", zap.String("topic", m.Topic), zap.Error(err))
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	if exists, _ := redisx.Exists(ctx, s.Redis, dkey); exists {
		return nil
	}

	ct, err := s.DB.Exec(ctx, `
		INSERT INTO order_events (event_id, event_type, order_id, payload, occurred_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (event_id) DO NOTHING`,
		env.EventID, env.EventType, env.CorrelationID, env.Payload, env.OccurredAt)
	if err != nil {
		return err
	}
	_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()

	if ct.RowsAffected() > 0 {
		s.Log.Info("event recorded",
			zap.String("event_id", env.EventID),
			zap.String("event_type", env.EventType),
			zap.String("order_id", env.CorrelationID))
	}
	return nil
}
