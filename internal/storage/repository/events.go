package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
)

// AppendEvent добавляет запись в журнал событий. Время проставляет база.
func (s *Storage) AppendEvent(ctx context.Context, subscriberID int64, action string, metadata []byte) error {
	const op = "storage.AppendEvent"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	query := `INSERT INTO event_logs (user_id, action, metadata)
			  VALUES ($1, $2, $3::jsonb)`
	if _, err := s.DB.ExecContext(ctx, query, subscriberID, action, string(metadata)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// EventExistsSince проверяет наличие события action у подписчика начиная с since.
func (s *Storage) EventExistsSince(ctx context.Context, subscriberID int64, action string, since time.Time) (bool, error) {
	const op = "storage.EventExistsSince"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var exists bool
	query := `SELECT EXISTS (
				SELECT 1 FROM event_logs
				WHERE user_id = $1 AND action = $2 AND occurred_at >= $3
			  )`
	if err := s.DB.QueryRowContext(ctx, query, subscriberID, action, since).Scan(&exists); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return exists, nil
}

// CountEventsByAction считает события из списка actions в интервале [from, to].
func (s *Storage) CountEventsByAction(ctx context.Context, actions []string, from, to time.Time) ([]models.ActionCount, error) {
	const op = "storage.CountEventsByAction"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT action, COUNT(*)
			  FROM event_logs
			  WHERE action = ANY($1) AND occurred_at >= $2 AND occurred_at <= $3
			  GROUP BY action
			  ORDER BY action`
	rows, err := s.DB.QueryContext(ctx, query, actions, from, to)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var res []models.ActionCount
	for rows.Next() {
		var c models.ActionCount
		if err := rows.Scan(&c.Action, &c.Count); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// ListEvents возвращает события подписчика, начиная с самых новых.
func (s *Storage) ListEvents(ctx context.Context, subscriberID int64, limit int) ([]models.LedgerEntry, error) {
	const op = "storage.ListEvents"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, user_id, action, occurred_at, metadata
			  FROM event_logs
			  WHERE user_id = $1
			  ORDER BY occurred_at DESC, id DESC
			  LIMIT $2`
	rows, err := s.DB.QueryContext(ctx, query, subscriberID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var res []models.LedgerEntry
	for rows.Next() {
		var (
			e    models.LedgerEntry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.SubscriberID, &e.Action, &e.OccurredAt, &meta); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		e.Metadata = meta
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}
