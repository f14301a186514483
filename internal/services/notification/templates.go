package notification

import (
	"fmt"
	"time"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/lifecycle"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/models"
)

const dateLayout = "02.01.2006"

// Значения callback_data, которые понимает фронтенд бота.
const (
	CallbackBuy          = "buy_subscription"
	CallbackPromo        = "enter_promo"
	CallbackSubscription = "subscription"
	CallbackMenu         = "back_to_menu"
)

var reminderButtons = [][]models.Button{
	{{Text: "💰 Продлить подписку", Data: CallbackBuy}, {Text: "🎫 Ввести промокод", Data: CallbackPromo}},
	{{Text: "📋 Проверить подписку", Data: CallbackSubscription}},
}

var expiredButtons = [][]models.Button{
	{{Text: "💰 Купить подписку", Data: CallbackBuy}, {Text: "🎫 Ввести промокод", Data: CallbackPromo}},
	{{Text: "🎛️ Главное меню", Data: CallbackMenu}},
}

// SuspendedButtons кнопки сообщения о приостановке доступа.
var SuspendedButtons = [][]models.Button{
	{{Text: "💳 Купить подписку", Data: CallbackBuy}, {Text: "🎫 Промокод", Data: CallbackPromo}},
	{{Text: "🎛️ Главное меню", Data: CallbackMenu}},
}

type templateKey struct {
	window lifecycle.Window
	trial  bool
}

// templates тексты напоминаний. %s подставляется дата окончания.
// Для пробного периода напоминания за неделю нет.
var templates = map[templateKey]string{
	{lifecycle.WindowOneDayBefore, true}: "🎁 *Напоминание о пробном периоде*\n\n" +
		"⚠️ Ваш бесплатный пробный период истекает завтра!\n📅 Дата окончания: %s\n\n" +
		"💡 *Чтобы продолжить пользоваться VPN:*\n• Купите подписку через /buy\n• Или активируйте промокод /promo\n\n" +
		"🚀 Не теряйте доступ к быстрому и безопасному интернету!",
	{lifecycle.WindowOneDayBefore, false}: "📋 *Напоминание о подписке*\n\n" +
		"⚠️ Ваша подписка истекает завтра!\n📅 Дата окончания: %s\n\n" +
		"💡 *Продлите подписку:*\n• Купите новый план через /buy\n• Или активируйте промокод /promo\n\n" +
		"🔒 Обеспечьте непрерывную защиту вашего интернет-соединения!",
	{lifecycle.WindowThreeDaysBefore, true}: "🎁 *Напоминание о пробном периоде*\n\n" +
		"📅 Ваш бесплатный пробный период истекает через 3 дня!\n📅 Дата окончания: %s\n\n" +
		"⏰ *Осталось времени подготовиться:*\n• Ознакомьтесь с тарифными планами: /buy\n• Узнайте о промокодах: /promo\n\n" +
		"💡 Не забудьте продлить доступ к VPN заранее!",
	{lifecycle.WindowThreeDaysBefore, false}: "📋 *Напоминание о подписке*\n\n" +
		"📅 Ваша подписка истекает через 3 дня!\n📅 Дата окончания: %s\n\n" +
		"⏰ *Время подготовиться к продлению:*\n• Выберите подходящий план: /buy\n• Или подготовьте промокод: /promo\n\n" +
		"🔒 Обеспечьте непрерывную защиту вашего интернет-соединения!",
	{lifecycle.WindowWeekBefore, false}: "📋 *Уведомление о подписке*\n\n" +
		"📅 Ваша подписка истекает через неделю\n📅 Дата окончания: %s\n\n" +
		"💡 *У вас есть время:*\n• Ознакомиться с новыми тарифами: /buy\n• Найти промокод со скидкой: /promo\n• Спланировать продление заранее\n\n" +
		"🎯 Заблаговременное продление гарантирует бесперебойный доступ к VPN!",
	{lifecycle.WindowExpiredToday, true}: "🎁 *Пробный период завершен*\n\n" +
		"❌ Ваш бесплатный пробный период истек сегодня\n\n" +
		"💰 *Продолжите пользоваться VPN:*\n• Выберите подходящий план: /buy\n• Или введите промокод: /promo\n\n" +
		"✨ Спасибо, что попробовали наш сервис!\n🚀 Продлите подписку, чтобы не потерять доступ к безопасному интернету.",
	{lifecycle.WindowExpiredToday, false}: "📋 *Подписка истекла*\n\n" +
		"❌ Ваша подписка истекла сегодня\n\n" +
		"🔄 *Восстановите доступ:*\n• Продлите подписку: /buy\n• Или активируйте промокод: /promo\n\n" +
		"💡 Выберите новый план и продолжайте пользоваться защищенным интернетом!",
}

// ComposeReminder собирает текст и кнопки напоминания для окна w.
// Второе значение false, если для такой пары окна и типа подписки шаблона нет.
func ComposeReminder(w lifecycle.Window, trial bool, boundary time.Time, loc *time.Location) (string, [][]models.Button, bool) {
	tpl, ok := templates[templateKey{w, trial}]
	if !ok {
		return "", nil, false
	}
	buttons := reminderButtons
	if w == lifecycle.WindowExpiredToday {
		buttons = expiredButtons
	}
	text := tpl
	if w != lifecycle.WindowExpiredToday {
		text = fmt.Sprintf(tpl, FormatDate(boundary, loc))
	}
	return text, buttons, true
}

// ComposeSuspended собирает сообщение о приостановке доступа после окончания подписки.
func ComposeSuspended(trial bool, boundary time.Time, loc *time.Location) string {
	title := "Ваша подписка истекла"
	if trial {
		title = "Ваш пробный период истек"
	}
	return fmt.Sprintf("⏰ *%s*\n\n", title) +
		fmt.Sprintf("📅 Дата окончания: %s\n", FormatDate(boundary, loc)) +
		"🚫 Доступ к VPN приостановлен\n\n" +
		"💡 *Как продолжить пользоваться VPN?*\n" +
		"• 💳 Купите подписку в главном меню\n" +
		"• 🎫 Активируйте промокод\n" +
		"• 👥 Пригласите друзей для получения бонусов\n\n" +
		"🔄 После продления доступ восстановится автоматически"
}

// FormatDate печатает дату в виде дд.мм.гггг в часовом поясе loc.
func FormatDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dateLayout)
}
