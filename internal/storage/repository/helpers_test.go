package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/migrations"
)

// testDataFactory создает тестовые данные напрямую через SQL
type testDataFactory struct {
	storage *Storage
}

func newTestDataFactory(storage *Storage) *testDataFactory {
	return &testDataFactory{storage: storage}
}

type userParams struct {
	TelegramID   int64
	Boundary     *time.Time
	CreatedAt    time.Time
	PromoID      *int64
	GateID       *string
	ConfigIssued bool
	Deleted      bool
}

// CreateUser создает пользователя и возвращает его id
func (f *testDataFactory) CreateUser(t *testing.T, p userParams) int64 {
	t.Helper()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	var id int64
	err := f.storage.DB.QueryRow(`INSERT INTO users
		(telegram_id, username, subscription_end, created_at, promo_code_used_id, wg_id, config_issued, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		p.TelegramID, fmt.Sprintf("user%d", p.TelegramID), p.Boundary, p.CreatedAt,
		p.PromoID, p.GateID, p.ConfigIssued, p.Deleted).Scan(&id)
	require.NoError(t, err)
	return id
}

// CreatePromoCode создает промокод и возвращает его id
func (f *testDataFactory) CreatePromoCode(t *testing.T, code string) int64 {
	t.Helper()
	var id int64
	err := f.storage.DB.QueryRow(`INSERT INTO promo_codes (code, bonus_days) VALUES ($1, 7) RETURNING id`, code).Scan(&id)
	require.NoError(t, err)
	return id
}

// CreatePayment создает платеж
func (f *testDataFactory) CreatePayment(t *testing.T, userID, amount int64, status string, createdAt time.Time) {
	t.Helper()
	_, err := f.storage.DB.Exec(`INSERT INTO payments (user_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4)`, userID, amount, status, createdAt)
	require.NoError(t, err)
}

// CreateEvent создает событие с заданным временем
func (f *testDataFactory) CreateEvent(t *testing.T, userID int64, action string, at time.Time) {
	t.Helper()
	_, err := f.storage.DB.Exec(`INSERT INTO event_logs (user_id, action, occurred_at) VALUES ($1, $2, $3)`,
		userID, action, at)
	require.NoError(t, err)
}

// setupTestDatabase поднимает PostgreSQL в контейнере и применяет миграции
func setupTestDatabase(t *testing.T) (*Storage, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgPort := nat.Port("5432/tcp")
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{string(pgPort)},
		Env: map[string]string{
			"POSTGRES_DB":       "testdb",
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(pgPort),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(3 * time.Minute),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start container")

	host, err := postgresContainer.Host(ctx)
	require.NoError(t, err)
	port, err := postgresContainer.MappedPort(ctx, pgPort)
	require.NoError(t, err, "failed to get port")

	connStr := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	var storage *Storage
	for range 10 {
		storage, err = New(ctx, connStr)
		if err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	require.NoError(t, err, "failed to create storage after retries")

	migrationsPath, err := filepath.Abs("../../../migrations")
	require.NoError(t, err)
	require.NoError(t, migrations.Run(storage.DB, migrationsPath))

	cleanup := func() {
		_ = storage.Close()
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}
	return storage, cleanup
}

func ptr[T any](v T) *T {
	return &v
}
