package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
)

const subscriberColumns = `id, telegram_id::text, username, subscription_end, created_at,
			      promo_code_used_id, wg_id, config_issued, is_deleted`

// FindByBoundaryWindow возвращает подписчиков, у которых окончание подписки попадает в [start, end).
func (s *Storage) FindByBoundaryWindow(ctx context.Context, start, end time.Time, excludeDeleted bool) ([]models.Subscriber, error) {
	const op = "storage.FindByBoundaryWindow"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + subscriberColumns + `
			  FROM users
			  WHERE subscription_end >= $1 AND subscription_end < $2`
	if excludeDeleted {
		query += ` AND is_deleted = false`
	}
	query += ` ORDER BY id`

	subs, err := s.querySubscribers(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return subs, nil
}

// FindBoundaryBefore возвращает подписчиков, чья подписка закончилась строго до now.
func (s *Storage) FindBoundaryBefore(ctx context.Context, now time.Time) ([]models.Subscriber, error) {
	const op = "storage.FindBoundaryBefore"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + subscriberColumns + `
			  FROM users
			  WHERE subscription_end < $1
			  ORDER BY id`
	subs, err := s.querySubscribers(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return subs, nil
}

// FindBoundaryAfterOrEqual возвращает подписчиков, чья подписка еще действует в момент now.
func (s *Storage) FindBoundaryAfterOrEqual(ctx context.Context, now time.Time) ([]models.Subscriber, error) {
	const op = "storage.FindBoundaryAfterOrEqual"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + subscriberColumns + `
			  FROM users
			  WHERE subscription_end >= $1
			  ORDER BY id`
	subs, err := s.querySubscribers(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return subs, nil
}

// FindForBroadcast возвращает не удаленных подписчиков для рассылки по аудитории target.
func (s *Storage) FindForBroadcast(ctx context.Context, target models.BroadcastTarget, now time.Time) ([]models.Subscriber, error) {
	const op = "storage.FindForBroadcast"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + subscriberColumns + `
			  FROM users
			  WHERE is_deleted = false`
	var args []any
	switch target {
	case models.BroadcastActive:
		query += ` AND subscription_end > $1`
		args = append(args, now)
	case models.BroadcastExpired:
		query += ` AND subscription_end < $1`
		args = append(args, now)
	case models.BroadcastAll:
	default:
		return nil, fmt.Errorf("%s: unknown broadcast target %q", op, target)
	}
	query += ` ORDER BY id`

	subs, err := s.querySubscribers(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return subs, nil
}

func (s *Storage) querySubscribers(ctx context.Context, query string, args ...any) ([]models.Subscriber, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var res []models.Subscriber
	for rows.Next() {
		var (
			sub      models.Subscriber
			boundary sql.NullTime
			promo    sql.NullInt64
			gateID   sql.NullString
		)
		if err := rows.Scan(&sub.ID, &sub.Address, &sub.Username, &boundary, &sub.CreatedAt,
			&promo, &gateID, &sub.ConfigIssued, &sub.Deleted); err != nil {
			return nil, err
		}
		if boundary.Valid {
			sub.Boundary = &boundary.Time
		}
		if promo.Valid {
			sub.PromoCodeUsedID = &promo.Int64
		}
		if gateID.Valid {
			sub.GateID = &gateID.String
		}
		res = append(res, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}
