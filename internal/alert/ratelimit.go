package alert

import (
	"sync"
	"time"
)

const rateWindow = time.Hour

func DefaultRateLimits() map[Channel]int {
	return map[Channel]int{
		ChannelWebhook: 100,
		ChannelEmail:   50,
		ChannelMQTT:    1000,
	}
}

// rateLimiter считает отправки по каналу в скользящем часовом окне.
// Место занимается до отправки и освобождается, если канал в итоге не доставил алерт.
// Лимит 0 означает отсутствие ограничения.
type rateLimiter struct {
	limits map[Channel]int

	mu   sync.Mutex
	sent map[Channel][]time.Time
}

func newRateLimiter(limits map[Channel]int) *rateLimiter {
	l := &rateLimiter{limits: make(map[Channel]int, len(limits)), sent: make(map[Channel][]time.Time)}
	for ch, n := range limits {
		l.limits[ch] = n
	}
	return l
}

func exempt(ch Channel, p Priority) bool {
	if ch == ChannelDurable {
		return true
	}
	return p == PriorityCritical && ch == ChannelWebhook
}

// slot занятое место в окне канала; held=false для каналов без лимита.
type slot struct {
	ch   Channel
	at   time.Time
	held bool
}

// reserve проверяет лимит и сразу занимает место, чтобы параллельные воркеры не превысили его.
func (l *rateLimiter) reserve(ch Channel, p Priority, now time.Time) (slot, bool) {
	if exempt(ch, p) {
		return slot{}, true
	}
	limit := l.limits[ch]
	if limit <= 0 {
		return slot{}, true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.trimLocked(ch, now)
	if len(ts) >= limit {
		return slot{}, false
	}
	l.sent[ch] = append(ts, now)
	return slot{ch: ch, at: now, held: true}, true
}

// release возвращает место, если отправка в канал так и не удалась.
func (l *rateLimiter) release(s slot) {
	if !s.held {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.sent[s.ch]
	for i := len(ts) - 1; i >= 0; i-- {
		if ts[i].Equal(s.at) {
			l.sent[s.ch] = append(ts[:i], ts[i+1:]...)
			return
		}
	}
}

func (l *rateLimiter) trimLocked(ch Channel, now time.Time) []time.Time {
	ts := l.sent[ch]
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		l.sent[ch] = ts
	}
	return ts
}

func (l *rateLimiter) usage(now time.Time) map[Channel]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Channel]int, len(l.sent))
	for ch := range l.sent {
		out[ch] = len(l.trimLocked(ch, now))
	}
	return out
}
