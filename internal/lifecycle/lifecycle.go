// Package lifecycle классифицирует подписчиков по оставшемуся времени подписки.
// Все функции пакета чистые: не делают ввода-вывода и не возвращают ошибок.
//
// Бизнес-день начинается в 00:00 рабочего часового пояса. Полночь относится
// к закончившемуся дню, поэтому запуск ровно в 00:00 закрывает предыдущие сутки.
package lifecycle

import (
	"time"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
)

// TrialPeriod срок, в течение которого новая подписка без промокода считается пробной.
const TrialPeriod = 8 * 24 * time.Hour

// Kind тип подписки.
type Kind string

// Типы подписки.
const (
	KindNone  Kind = ""
	KindTrial Kind = "trial"
	KindPaid  Kind = "paid"
)

// Window окно напоминания.
type Window string

// Окна напоминаний.
const (
	WindowNone            Window = ""
	WindowWeekBefore      Window = "week_before"
	WindowThreeDaysBefore Window = "three_days_before"
	WindowOneDayBefore    Window = "one_day_before"
	WindowExpiredToday    Window = "expired_today"
)

// Windows все окна в порядке приближения к окончанию подписки.
var Windows = []Window{WindowWeekBefore, WindowThreeDaysBefore, WindowOneDayBefore, WindowExpiredToday}

var windowOffsetDays = map[Window]int{
	WindowWeekBefore:      7,
	WindowThreeDaysBefore: 3,
	WindowOneDayBefore:    1,
	WindowExpiredToday:    0,
}

// ParseWindow разбирает имя окна. Второе значение false, если окно неизвестно.
func ParseWindow(s string) (Window, bool) {
	w := Window(s)
	_, ok := windowOffsetDays[w]
	return w, ok
}

// Class результат классификации подписчика.
// Active false при ненулевом Kind означает, что подписка закончилась сегодня.
type Class struct {
	Kind   Kind
	Window Window
	Active bool
}

// None сообщает, что у подписчика нет класса.
func (c Class) None() bool {
	return c.Kind == KindNone
}

// Trial сообщает, что класс пробный.
func (c Class) Trial() bool {
	return c.Kind == KindTrial
}

// Access решение для шлюза доступа.
type Access int

// Решения для шлюза доступа.
const (
	AccessUnknown Access = iota
	AccessDisable
	AccessEnable
)

func (a Access) String() string {
	switch a {
	case AccessDisable:
		return "disable"
	case AccessEnable:
		return "enable"
	default:
		return "unknown"
	}
}

// BusinessDay возвращает начало бизнес-дня, которому принадлежит now.
func BusinessDay(now time.Time, loc *time.Location) time.Time {
	return dayStart(now.Add(-time.Nanosecond), loc)
}

// WindowRange возвращает полуинтервал [start, end) окончаний подписок для окна w.
// Для WindowNone возвращается пустой интервал.
func WindowRange(w Window, now time.Time, loc *time.Location) (time.Time, time.Time) {
	offset, ok := windowOffsetDays[w]
	day := BusinessDay(now, loc)
	if !ok {
		return day, day
	}
	start := day.AddDate(0, 0, offset)
	return start, start.AddDate(0, 0, 1)
}

// IsTrial сообщает, пробная ли подписка в момент now.
func IsTrial(sub models.Subscriber, now time.Time) bool {
	if sub.Boundary == nil || sub.Boundary.Before(now) {
		return false
	}
	return trialAt(sub, now)
}

// AccessAction решает, нужно ли включить или отключить доступ.
// Сравнение идет с точностью до наносекунды, граница включается в активный период.
func AccessAction(sub models.Subscriber, now time.Time) Access {
	switch {
	case sub.Boundary == nil:
		return AccessUnknown
	case sub.Boundary.Before(now):
		return AccessDisable
	default:
		return AccessEnable
	}
}

// Classify определяет класс подписчика на момент now.
func Classify(sub models.Subscriber, now time.Time, loc *time.Location) Class {
	if sub.Boundary == nil {
		return Class{}
	}
	boundary := *sub.Boundary
	days := daysBetween(BusinessDay(now, loc), dayStart(boundary, loc))

	if !boundary.Before(now) {
		class := Class{Kind: KindPaid, Active: true}
		if trialAt(sub, now) {
			class.Kind = KindTrial
		}
		class.Window = windowForDays(days)
		if class.Window == WindowWeekBefore && class.Kind == KindTrial {
			class.Window = WindowNone
		}
		return class
	}

	if days != 0 {
		return Class{}
	}
	class := Class{Kind: KindPaid, Window: WindowExpiredToday}
	if trialAt(sub, boundary) {
		class.Kind = KindTrial
	}
	return class
}

func trialAt(sub models.Subscriber, at time.Time) bool {
	return sub.PromoCodeUsedID == nil && at.Sub(sub.CreatedAt) < TrialPeriod
}

func windowForDays(days int) Window {
	for w, offset := range windowOffsetDays {
		if offset == days {
			return w
		}
	}
	return WindowNone
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// daysBetween считает календарные дни, не завися от перехода на летнее время.
func daysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}
