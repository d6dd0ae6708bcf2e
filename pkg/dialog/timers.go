package dialog

import "time"

// Таймеры RFC 3261 (раздел 17 и приложение A)
const (
	// TimerT1 оценка RTT
	TimerT1 = 500 * time.Millisecond
	// TimerT2 максимальный интервал повтора для не-INVITE запросов и 2xx
	TimerT2 = 4 * time.Second
	// TimerT4 максимальное время жизни сообщения в сети
	TimerT4 = 5 * time.Second

	// TimerB таймаут INVITE транзакции (64*T1)
	TimerB = 64 * TimerT1
	// TimerF таймаут не-INVITE транзакции (64*T1)
	TimerF = 64 * TimerT1
	// TimerH ожидание ACK на финальный ответ (64*T1)
	TimerH = 64 * TimerT1
)

// Session timers (RFC 4028)
const (
	// SessionExpiresDefault интервал обновления по умолчанию, секунды
	SessionExpiresDefault = 90
	// MinSessionExpires минимально допустимый интервал, секунды
	MinSessionExpires = 60
)

// NextRetransmit следующий интервал повтора 2xx: удвоение от T1 с
// потолком T2 (таймер G)
func NextRetransmit(current, t2 time.Duration) time.Duration {
	next := current * 2
	if next > t2 {
		return t2
	}
	return next
}

// RefreshInterval время до обновления сессии стороной-обновителем
// (половина интервала)
func RefreshInterval(expires time.Duration) time.Duration {
	return expires / 2
}

// ExpiryInterval время, после которого сторона, не обновляющая сессию,
// завершает ее без полученного обновления
func ExpiryInterval(expires time.Duration) time.Duration {
	return expires * 11 / 10
}
