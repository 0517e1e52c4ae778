package projector

import (
	"context"
	"encoding/json"
	"fmt"

	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Deduper is satisfied by *redisx.Dedup.
type Deduper interface {
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// StatusStore is satisfied by *redisx.StatusCache.
type StatusStore interface {
	Get(ctx context.Context, orderID int64) ([]byte, bool, error)
	Set(ctx context.Context, orderID int64, doc []byte) error
}

// Service keeps the per-order status view warm from order events.
type Service struct {
	Dedup  Deduper
	Status StatusStore
	Log    *zap.Logger
}

// Handle dipasang sebagai handler consumer untuk kedua topic order.
func (s *Service) Handle(ctx context.Context, m kafkago.Message) error {
	// 1) decode envelope
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// pesan rusak tidak akan pernah sukses; log lalu commit
		s.log().Warn("drop undecodable event", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}

	view, ok, err := toView(env)
	if err != nil {
		s.log().Warn("drop bad payload", zap.String("event_id", env.EventID), zap.String("event_type", env.EventType), zap.Error(err))
		return nil
	}
	if !ok {
		return nil // ignore
	}

	// 2) dedup via Redis (pakai event_id)
	first, err := s.Dedup.FirstSeen(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", env.EventID, err)
	}
	if !first {
		s.log().Debug("duplicate event", zap.String("event_id", env.EventID))
		return nil
	}

	// 3) tulis view; kalau gagal lepas klaim dedup supaya bisa di-retry
	if err := s.apply(ctx, view); err != nil {
		if ferr := s.Dedup.Forget(ctx, env.EventID); ferr != nil {
			s.log().Warn("dedup release failed", zap.String("event_id", env.EventID), zap.Error(ferr))
		}
		return err
	}
	s.log().Info("status projected",
		zap.Int64("order_id", view.OrderID),
		zap.String("status", string(view.Status)),
		zap.String("event_id", env.EventID),
	)
	return nil
}

// apply skips views older than what is cached; placed and status events
// travel on different topics and may arrive in either order.
func (s *Service) apply(ctx context.Context, view orders.StatusView) error {
	cur, hit, err := s.Status.Get(ctx, view.OrderID)
	if err != nil {
		return fmt.Errorf("read status %d: %w", view.OrderID, err)
	}
	if hit {
		var old orders.StatusView
		if json.Unmarshal(cur, &old) == nil && old.UpdatedAt.After(view.UpdatedAt) {
			return nil
		}
	}
	if err := s.Status.Set(ctx, view.OrderID, kafkax.MustMarshal(view)); err != nil {
		return fmt.Errorf("write status %d: %w", view.OrderID, err)
	}
	return nil
}

func toView(env orders.Envelope) (orders.StatusView, bool, error) {
	switch env.EventType {
	case orders.EventOrderPlaced:
		p, err := kafkax.UnwrapPayload[orders.OrderPlacedPayload](env.Payload)
		if err != nil {
			return orders.StatusView{}, false, err
		}
		st := p.Status
		if st == "" {
			st = orders.StatusPending
		}
		return orders.StatusView{OrderID: p.OrderID, Status: st, UpdatedAt: env.OccurredAt}, true, nil
	case orders.EventOrderStatusChanged:
		p, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
		if err != nil {
			return orders.StatusView{}, false, err
		}
		at := p.ChangedAt
		if at.IsZero() {
			at = env.OccurredAt
		}
		return orders.StatusView{OrderID: p.OrderID, Status: p.Status, UpdatedAt: at}, true, nil
	default:
		return orders.StatusView{}, false, nil
	}
}

func (s *Service) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
