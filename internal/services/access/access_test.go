package access

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/config"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/ledger"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/messaging"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
)

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) FindBoundaryBefore(ctx context.Context, now time.Time) ([]models.Subscriber, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Subscriber), args.Error(1)
}

func (m *MockStore) FindBoundaryAfterOrEqual(ctx context.Context, now time.Time) ([]models.Subscriber, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Subscriber), args.Error(1)
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Enable(ctx context.Context, gateID string) (bool, error) {
	args := m.Called(ctx, gateID)
	return args.Bool(0), args.Error(1)
}

func (m *MockGateway) Disable(ctx context.Context, gateID string) (bool, error) {
	args := m.Called(ctx, gateID)
	return args.Bool(0), args.Error(1)
}

type event struct {
	subscriberID int64
	action       string
	at           time.Time
	metadata     []byte
}

type memEvents struct {
	mu        sync.Mutex
	now       func() time.Time
	events    []event
	appendErr error
}

func (m *memEvents) AppendEvent(_ context.Context, subscriberID int64, action string, metadata []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.events = append(m.events, event{subscriberID, action, m.now(), metadata})
	return nil
}

func (m *memEvents) EventExistsSince(_ context.Context, subscriberID int64, action string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.subscriberID == subscriberID && e.action == action && !e.at.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memEvents) byAction(action string) []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []event
	for _, e := range m.events {
		if e.action == action {
			res = append(res, e)
		}
	}
	return res
}

type fakeChannel struct {
	mu    sync.Mutex
	texts map[string][]string
	fails map[string]error
}

func (c *fakeChannel) Send(_ context.Context, address, text string, _ messaging.SendOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.fails[address]; ok {
		return &messaging.DeliveryError{Address: address, Err: err}
	}
	c.texts[address] = append(c.texts[address], text)
	return nil
}

type fixture struct {
	store   *MockStore
	gateway *MockGateway
	events  *memEvents
	channel *fakeChannel
	s       *Synchronizer
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	f := &fixture{
		store:   new(MockStore),
		gateway: new(MockGateway),
		channel: &fakeChannel{texts: map[string][]string{}, fails: map[string]error{}},
		now:     time.Date(2025, 7, 17, 0, 0, 0, 0, loc),
	}
	f.events = &memEvents{now: func() time.Time { return f.now }}
	f.s = New(f.store, f.gateway, ledger.New(f.events, loc), f.channel, loc, config.Messaging{}, newNoopLogger(), nil)
	f.s.Now = func() time.Time { return f.now }
	return f
}

func subscriber(id int64, boundary time.Time, gateID string, promo bool) models.Subscriber {
	sub := models.Subscriber{
		ID:           id,
		Address:      "chat-" + gateID,
		Boundary:     &boundary,
		CreatedAt:    boundary.AddDate(0, -1, 0),
		ConfigIssued: true,
	}
	if gateID != "" {
		sub.GateID = &gateID
	}
	if promo {
		p := int64(7)
		sub.PromoCodeUsedID = &p
	}
	return sub
}

func TestReconcile_DisableAndEnable(t *testing.T) {
	f := newFixture(t)
	expired := subscriber(1, f.now.Add(-time.Hour), "wg-1", true)
	noConfig := subscriber(2, f.now.Add(-time.Hour), "wg-2", true)
	noConfig.ConfigIssued = false
	deleted := subscriber(3, f.now.Add(-time.Hour), "wg-3", true)
	deleted.Deleted = true
	noGate := subscriber(4, f.now.Add(-time.Hour), "", true)
	boundaryNow := subscriber(5, f.now, "wg-5", true)
	active := subscriber(6, f.now.AddDate(0, 0, 10), "wg-6", false)

	f.store.On("FindBoundaryBefore", mock.Anything, f.now).
		Return([]models.Subscriber{expired, noConfig, deleted, noGate}, nil)
	f.store.On("FindBoundaryAfterOrEqual", mock.Anything, f.now).
		Return([]models.Subscriber{boundaryNow, active}, nil)
	f.gateway.On("Disable", mock.Anything, "wg-1").Return(true, nil).Once()
	f.gateway.On("Enable", mock.Anything, "wg-5").Return(true, nil).Once()
	f.gateway.On("Enable", mock.Anything, "wg-6").Return(true, nil).Once()

	rep, err := f.s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Disabled: 1, Enabled: 2, TotalExpired: 1, TotalActive: 2}, rep)
	f.gateway.AssertExpectations(t)
	f.gateway.AssertNotCalled(t, "Disable", mock.Anything, "wg-5")

	require.Len(t, f.channel.texts["chat-wg-1"], 1)
	assert.Contains(t, f.channel.texts["chat-wg-1"][0], "Ваша подписка истекла")

	disabled := f.events.byAction(ledger.ActionAccessDisabled)
	require.Len(t, disabled, 1)
	assert.Equal(t, int64(1), disabled[0].subscriberID)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(disabled[0].metadata, &meta))
	assert.Equal(t, "wg-1", meta["wgId"])
	assert.Equal(t, false, meta["isTrialUser"])

	completed := f.events.byAction(ledger.ActionAccessSyncComplete)
	require.Len(t, completed, 1)
	assert.Equal(t, ledger.SystemSubscriberID, completed[0].subscriberID)
	require.NoError(t, json.Unmarshal(completed[0].metadata, &meta))
	assert.Equal(t, float64(1), meta["totalExpiredUsers"])
	assert.Equal(t, float64(2), meta["activeProcessed"])
}

func TestReconcile_SuspensionNoticeOncePerExpiry(t *testing.T) {
	f := newFixture(t)
	expired := subscriber(1, f.now.Add(-time.Hour), "wg-1", false)
	f.store.On("FindBoundaryBefore", mock.Anything, mock.Anything).Return([]models.Subscriber{expired}, nil)
	f.store.On("FindBoundaryAfterOrEqual", mock.Anything, mock.Anything).Return([]models.Subscriber{}, nil)
	f.gateway.On("Disable", mock.Anything, "wg-1").Return(true, nil)

	_, err := f.s.Reconcile(context.Background())
	require.NoError(t, err)

	f.now = f.now.AddDate(0, 0, 1)
	rep, err := f.s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Disabled)

	f.gateway.AssertNumberOfCalls(t, "Disable", 2)
	require.Len(t, f.channel.texts["chat-wg-1"], 1)
	assert.Contains(t, f.channel.texts["chat-wg-1"][0], "Ваш пробный период истек")
	assert.Len(t, f.events.byAction(ledger.ActionAccessDisabled), 1)
	assert.Len(t, f.events.byAction(ledger.ActionAccessSyncComplete), 2)
}

func TestReconcile_PerSubscriberFailures(t *testing.T) {
	f := newFixture(t)
	failDisable := subscriber(1, f.now.Add(-time.Hour), "wg-1", true)
	failNotify := subscriber(2, f.now.Add(-time.Hour), "wg-2", true)
	okDisable := subscriber(3, f.now.Add(-time.Hour), "wg-3", true)
	failEnable := subscriber(4, f.now.Add(time.Hour), "wg-4", true)
	okEnable := subscriber(5, f.now.Add(time.Hour), "wg-5", true)

	f.store.On("FindBoundaryBefore", mock.Anything, mock.Anything).
		Return([]models.Subscriber{failDisable, failNotify, okDisable}, nil)
	f.store.On("FindBoundaryAfterOrEqual", mock.Anything, mock.Anything).
		Return([]models.Subscriber{failEnable, okEnable}, nil)
	f.gateway.On("Disable", mock.Anything, "wg-1").Return(false, errors.New("gateway down"))
	f.gateway.On("Disable", mock.Anything, "wg-2").Return(true, nil)
	f.gateway.On("Disable", mock.Anything, "wg-3").Return(true, nil)
	f.gateway.On("Enable", mock.Anything, "wg-4").Return(false, errors.New("gateway down"))
	f.gateway.On("Enable", mock.Anything, "wg-5").Return(true, nil)
	f.channel.fails["chat-wg-2"] = errors.New("bot blocked")

	rep, err := f.s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{
		Disabled:       2,
		Enabled:        1,
		DisabledErrors: 1,
		EnabledErrors:  1,
		TotalExpired:   3,
		TotalActive:    2,
		NotifyErrors:   1,
	}, rep)
	assert.Empty(t, f.channel.texts["chat-wg-1"])
	assert.Len(t, f.events.byAction(ledger.ActionAccessDisabled), 1)
}

func TestReconcile_LedgerFailure(t *testing.T) {
	f := newFixture(t)
	f.events.appendErr = errors.New("db down")
	f.store.On("FindBoundaryBefore", mock.Anything, mock.Anything).
		Return([]models.Subscriber{subscriber(1, f.now.Add(-time.Hour), "wg-1", true)}, nil)
	f.store.On("FindBoundaryAfterOrEqual", mock.Anything, mock.Anything).Return([]models.Subscriber{}, nil)
	f.gateway.On("Disable", mock.Anything, "wg-1").Return(true, nil)

	rep, err := f.s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Disabled)
	assert.Equal(t, 2, rep.LedgerErrors)
}

func TestReconcile_StoreErrors(t *testing.T) {
	dbErr := errors.New("connection refused")

	t.Run("disable pass candidates", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("FindBoundaryBefore", mock.Anything, mock.Anything).Return(nil, dbErr)

		_, err := f.s.Reconcile(context.Background())
		assert.ErrorIs(t, err, dbErr)
		f.store.AssertNotCalled(t, "FindBoundaryAfterOrEqual", mock.Anything, mock.Anything)
		assert.Empty(t, f.events.events)
	})

	t.Run("enable pass candidates", func(t *testing.T) {
		f := newFixture(t)
		f.store.On("FindBoundaryBefore", mock.Anything, mock.Anything).Return([]models.Subscriber{}, nil)
		f.store.On("FindBoundaryAfterOrEqual", mock.Anything, mock.Anything).Return(nil, dbErr)

		_, err := f.s.Reconcile(context.Background())
		assert.ErrorIs(t, err, dbErr)
		assert.Empty(t, f.events.events)
	})
}

func TestReconcile_CanceledContext(t *testing.T) {
	f := newFixture(t)
	f.store.On("FindBoundaryBefore", mock.Anything, mock.Anything).
		Return([]models.Subscriber{subscriber(1, f.now.Add(-time.Hour), "wg-1", true)}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.s.Reconcile(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	f.gateway.AssertNotCalled(t, "Disable", mock.Anything, mock.Anything)
}

func TestReconcile_GatewayNotApplied(t *testing.T) {
	f := newFixture(t)
	expired := subscriber(1, f.now.Add(-time.Hour), "wg-1", true)
	active := subscriber(2, f.now.Add(time.Hour), "wg-2", true)
	f.store.On("FindBoundaryBefore", mock.Anything, mock.Anything).Return([]models.Subscriber{expired}, nil)
	f.store.On("FindBoundaryAfterOrEqual", mock.Anything, mock.Anything).Return([]models.Subscriber{active}, nil)
	f.gateway.On("Disable", mock.Anything, "wg-1").Return(false, nil).Once()
	f.gateway.On("Enable", mock.Anything, "wg-2").Return(false, nil).Once()

	rep, err := f.s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{
		DisabledErrors: 1,
		EnabledErrors:  1,
		TotalExpired:   1,
		TotalActive:    1,
	}, rep)
	assert.Empty(t, f.channel.texts["chat-wg-1"])
	assert.Empty(t, f.events.byAction(ledger.ActionAccessDisabled))
}

func TestReconcile_SecondCallWhileRunning(t *testing.T) {
	f := newFixture(t)
	expired := subscriber(1, f.now.Add(-time.Hour), "wg-1", true)
	f.store.On("FindBoundaryBefore", mock.Anything, mock.Anything).Return([]models.Subscriber{expired}, nil)
	f.store.On("FindBoundaryAfterOrEqual", mock.Anything, mock.Anything).Return([]models.Subscriber{}, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.gateway.On("Disable", mock.Anything, "wg-1").
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(true, nil).Once()

	type result struct {
		rep Report
		err error
	}
	first := make(chan result, 1)
	go func() {
		rep, err := f.s.Reconcile(context.Background())
		first <- result{rep: rep, err: err}
	}()
	<-entered

	_, err := f.s.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.rep.Disabled)

	f.gateway.AssertNumberOfCalls(t, "Disable", 1)
	assert.Len(t, f.channel.texts["chat-wg-1"], 1)
	assert.Len(t, f.events.byAction(ledger.ActionAccessDisabled), 1)
	assert.Len(t, f.events.byAction(ledger.ActionAccessSyncComplete), 1)

	_, err = f.s.Reconcile(context.Background())
	require.NoError(t, err)
}
