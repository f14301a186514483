package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/lifecycle"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) AppendEvent(ctx context.Context, subscriberID int64, action string, metadata []byte) error {
	args := m.Called(ctx, subscriberID, action, metadata)
	return args.Error(0)
}

func (m *MockStore) EventExistsSince(ctx context.Context, subscriberID int64, action string, since time.Time) (bool, error) {
	args := m.Called(ctx, subscriberID, action, since)
	return args.Bool(0), args.Error(1)
}

func TestLedger_FiredToday_UsesBusinessDayStart(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	store := new(MockStore)
	l := New(store, loc)
	now := time.Date(2025, 7, 20, 10, 0, 0, 0, loc)
	since := time.Date(2025, 7, 20, 0, 0, 0, 0, loc)

	store.On("EventExistsSince", mock.Anything, int64(7), ActionOneDayReminder, since).Return(true, nil)

	fired, err := l.FiredToday(context.Background(), 7, ActionOneDayReminder, now)
	require.NoError(t, err)
	assert.True(t, fired)
	store.AssertExpectations(t)
}

func TestLedger_HasFired_Error(t *testing.T) {
	store := new(MockStore)
	l := New(store, time.UTC)
	store.On("EventExistsSince", mock.Anything, int64(1), ActionWeekReminder, mock.Anything).
		Return(false, errors.New("db down"))

	fired, err := l.HasFired(context.Background(), 1, ActionWeekReminder, time.Now())
	assert.Error(t, err)
	assert.False(t, fired)
}

func TestLedger_Record(t *testing.T) {
	tests := []struct {
		name     string
		metadata any
		storeErr error
		wantErr  bool
	}{
		{
			name:     "success",
			metadata: map[string]any{"reminderType": "one_day_before"},
		},
		{
			name:     "store error wrapped",
			metadata: map[string]any{"reminderType": "one_day_before"},
			storeErr: errors.New("connection refused"),
			wantErr:  true,
		},
		{
			name:     "unserializable metadata",
			metadata: map[string]any{"bad": make(chan int)},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(MockStore)
			l := New(store, time.UTC)
			store.On("AppendEvent", mock.Anything, int64(3), ActionOneDayReminder, mock.Anything).Return(tt.storeErr).Maybe()

			err := l.Record(context.Background(), 3, ActionOneDayReminder, tt.metadata)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrLedgerWrite)
				return
			}
			require.NoError(t, err)
			store.AssertCalled(t, "AppendEvent", mock.Anything, int64(3), ActionOneDayReminder, []byte(`{"reminderType":"one_day_before"}`))
		})
	}
}

func TestActionForWindow(t *testing.T) {
	tests := []struct {
		w      lifecycle.Window
		action string
		ok     bool
	}{
		{lifecycle.WindowWeekBefore, ActionWeekReminder, true},
		{lifecycle.WindowThreeDaysBefore, ActionThreeDayReminder, true},
		{lifecycle.WindowOneDayBefore, ActionOneDayReminder, true},
		{lifecycle.WindowExpiredToday, ActionExpiredToday, true},
		{lifecycle.WindowNone, "", false},
	}

	for _, tt := range tests {
		action, ok := ActionForWindow(tt.w)
		assert.Equal(t, tt.action, action)
		assert.Equal(t, tt.ok, ok)
	}
}
