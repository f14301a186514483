package lifecycle

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
)

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339Nano, s)
	require.NoError(t, err)
	return v
}

func ptr[T any](v T) *T {
	return &v
}

func subscriber(created time.Time, boundary *time.Time, promo *int64) models.Subscriber {
	return models.Subscriber{
		ID:              1,
		Address:         "100500",
		Boundary:        boundary,
		CreatedAt:       created,
		PromoCodeUsedID: promo,
	}
}

func TestClassify(t *testing.T) {
	now := ts(t, "2025-07-20T09:00:00Z")
	longAgo := ts(t, "2025-01-01T00:00:00Z")
	twoDaysAgo := ts(t, "2025-07-18T09:00:00Z")

	tests := []struct {
		name     string
		sub      models.Subscriber
		expected Class
	}{
		{
			name:     "no boundary",
			sub:      subscriber(longAgo, nil, nil),
			expected: Class{},
		},
		{
			name:     "boundary equal to now is active",
			sub:      subscriber(longAgo, ptr(now), nil),
			expected: Class{Kind: KindPaid, Window: WindowExpiredToday, Active: true},
		},
		{
			name:     "paid week before",
			sub:      subscriber(longAgo, ptr(ts(t, "2025-07-27T12:00:00Z")), nil),
			expected: Class{Kind: KindPaid, Window: WindowWeekBefore, Active: true},
		},
		{
			name:     "trial exempt from week before",
			sub:      subscriber(twoDaysAgo, ptr(ts(t, "2025-07-27T09:00:00Z")), nil),
			expected: Class{Kind: KindTrial, Window: WindowNone, Active: true},
		},
		{
			name:     "promo makes recent subscriber paid",
			sub:      subscriber(twoDaysAgo, ptr(ts(t, "2025-07-27T09:00:00Z")), ptr(int64(5))),
			expected: Class{Kind: KindPaid, Window: WindowWeekBefore, Active: true},
		},
		{
			name:     "trial three days before",
			sub:      subscriber(twoDaysAgo, ptr(ts(t, "2025-07-23T00:00:00Z")), nil),
			expected: Class{Kind: KindTrial, Window: WindowThreeDaysBefore, Active: true},
		},
		{
			name:     "paid one day before end of day",
			sub:      subscriber(longAgo, ptr(ts(t, "2025-07-21T23:59:59.999Z")), nil),
			expected: Class{Kind: KindPaid, Window: WindowOneDayBefore, Active: true},
		},
		{
			name:     "active outside every window",
			sub:      subscriber(longAgo, ptr(ts(t, "2025-07-25T12:00:00Z")), nil),
			expected: Class{Kind: KindPaid, Window: WindowNone, Active: true},
		},
		{
			name:     "expired earlier today",
			sub:      subscriber(longAgo, ptr(ts(t, "2025-07-20T01:00:00Z")), nil),
			expected: Class{Kind: KindPaid, Window: WindowExpiredToday},
		},
		{
			name:     "expired yesterday has no class",
			sub:      subscriber(longAgo, ptr(ts(t, "2025-07-19T23:00:00Z")), nil),
			expected: Class{},
		},
		{
			name:     "trial evaluated at boundary instant",
			sub:      subscriber(ts(t, "2025-07-12T10:00:00Z"), ptr(ts(t, "2025-07-20T08:00:00Z")), nil),
			expected: Class{Kind: KindTrial, Window: WindowExpiredToday},
		},
		{
			name:     "trial over at eight days",
			sub:      subscriber(ts(t, "2025-07-12T09:00:00Z"), ptr(ts(t, "2025-07-21T10:00:00Z")), nil),
			expected: Class{Kind: KindPaid, Window: WindowOneDayBefore, Active: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.sub, now, time.UTC))
		})
	}
}

func TestClassify_BoundaryInclusivity(t *testing.T) {
	boundary := ts(t, "2025-07-24T23:59:59.999Z")
	sub := subscriber(ts(t, "2025-01-01T00:00:00Z"), &boundary, nil)

	noon := Classify(sub, ts(t, "2025-07-24T12:00:00Z"), time.UTC)
	assert.True(t, noon.Active)
	assert.False(t, noon.None())

	midnight := Classify(sub, ts(t, "2025-07-25T00:00:00Z"), time.UTC)
	assert.False(t, midnight.Active)
	assert.Equal(t, WindowExpiredToday, midnight.Window)

	nextMorning := Classify(sub, ts(t, "2025-07-25T09:00:00Z"), time.UTC)
	assert.True(t, nextMorning.None())
}

func TestClassify_TrialScenario(t *testing.T) {
	boundary := ts(t, "2025-07-24T23:59:59.999Z")
	sub := subscriber(ts(t, "2025-07-17T14:30:00Z"), &boundary, nil)

	assert.True(t, IsTrial(sub, ts(t, "2025-07-20T10:00:00Z")))

	morning := ts(t, "2025-07-24T10:00:00Z")
	class := Classify(sub, morning, time.UTC)
	assert.Equal(t, KindTrial, class.Kind)
	assert.True(t, class.Active)
	assert.NotEqual(t, WindowOneDayBefore, class.Window)
	assert.Equal(t, AccessEnable, AccessAction(sub, morning))

	midnight := ts(t, "2025-07-25T00:00:00Z")
	class = Classify(sub, midnight, time.UTC)
	assert.Equal(t, Class{Kind: KindTrial, Window: WindowExpiredToday}, class)
	assert.Equal(t, AccessDisable, AccessAction(sub, midnight))
}

func TestClassify_Totality(t *testing.T) {
	now := ts(t, "2025-07-20T09:00:00Z")
	known := map[Window]bool{WindowNone: true}
	for _, w := range Windows {
		known[w] = true
	}

	for createdDays := -30; createdDays <= 0; createdDays += 3 {
		for boundaryHours := -72; boundaryHours <= 24*10; boundaryHours += 5 {
			for _, promo := range []*int64{nil, ptr(int64(1))} {
				created := now.AddDate(0, 0, createdDays)
				boundary := now.Add(time.Duration(boundaryHours) * time.Hour)
				sub := subscriber(created, &boundary, promo)

				class := Classify(sub, now, time.UTC)

				assert.True(t, known[class.Window])
				if class.None() {
					assert.Equal(t, Class{}, class)
					continue
				}
				assert.Contains(t, []Kind{KindTrial, KindPaid}, class.Kind)
				if class.Trial() {
					assert.Nil(t, promo)
					assert.NotEqual(t, WindowWeekBefore, class.Window)
				}
				if !class.Active {
					assert.Equal(t, WindowExpiredToday, class.Window)
				}
			}
		}
	}
}

func TestAccessAction_Partition(t *testing.T) {
	now := ts(t, "2025-07-20T09:00:00Z")
	created := ts(t, "2025-01-01T00:00:00Z")

	subs := []models.Subscriber{subscriber(created, nil, nil)}
	for _, offset := range []time.Duration{-48 * time.Hour, -time.Nanosecond, 0, time.Nanosecond, 72 * time.Hour} {
		subs = append(subs, subscriber(created, ptr(now.Add(offset)), nil))
	}

	var withBoundary, disable, enable int
	for _, sub := range subs {
		action := AccessAction(sub, now)
		if sub.Boundary == nil {
			assert.Equal(t, AccessUnknown, action)
			continue
		}
		withBoundary++
		switch action {
		case AccessDisable:
			disable++
			assert.True(t, sub.Boundary.Before(now))
		case AccessEnable:
			enable++
			assert.False(t, sub.Boundary.Before(now))
		default:
			t.Fatalf("subscriber with boundary got %s", action)
		}
	}
	assert.Equal(t, withBoundary, disable+enable)
	assert.Equal(t, 2, disable)
	assert.Equal(t, 3, enable)
}

func TestWindowRange(t *testing.T) {
	tests := []struct {
		name  string
		w     Window
		now   string
		start string
		end   string
	}{
		{name: "week", w: WindowWeekBefore, now: "2025-07-20T09:00:00Z", start: "2025-07-27T00:00:00Z", end: "2025-07-28T00:00:00Z"},
		{name: "three days", w: WindowThreeDaysBefore, now: "2025-07-20T11:00:00Z", start: "2025-07-23T00:00:00Z", end: "2025-07-24T00:00:00Z"},
		{name: "one day", w: WindowOneDayBefore, now: "2025-07-20T10:00:00Z", start: "2025-07-21T00:00:00Z", end: "2025-07-22T00:00:00Z"},
		{name: "expired today", w: WindowExpiredToday, now: "2025-07-20T10:00:00Z", start: "2025-07-20T00:00:00Z", end: "2025-07-21T00:00:00Z"},
		{name: "midnight closes previous day", w: WindowExpiredToday, now: "2025-07-25T00:00:00Z", start: "2025-07-24T00:00:00Z", end: "2025-07-25T00:00:00Z"},
		{name: "none is empty", w: WindowNone, now: "2025-07-20T10:00:00Z", start: "2025-07-20T00:00:00Z", end: "2025-07-20T00:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := WindowRange(tt.w, ts(t, tt.now), time.UTC)
			assert.True(t, ts(t, tt.start).Equal(start), "start %s", start)
			assert.True(t, ts(t, tt.end).Equal(end), "end %s", end)
		})
	}
}

func TestWindowRange_Location(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	// 23:30 UTC это уже следующий день по Москве
	start, end := WindowRange(WindowOneDayBefore, ts(t, "2025-07-20T23:30:00Z"), loc)
	assert.True(t, ts(t, "2025-07-21T21:00:00Z").Equal(start))
	assert.True(t, ts(t, "2025-07-22T21:00:00Z").Equal(end))
}

func TestParseWindow(t *testing.T) {
	w, ok := ParseWindow("three_days_before")
	assert.True(t, ok)
	assert.Equal(t, WindowThreeDaysBefore, w)

	_, ok = ParseWindow("month_before")
	assert.False(t, ok)
}
