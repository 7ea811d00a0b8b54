package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-violation-service/internal/domain/traffic"
)

type Config struct {
	Workers      int
	QueueSize    int
	PushTimeout  time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	RateLimits   map[Channel]int
	HistorySize  int
}

func DefaultConfig() Config {
	return Config{
		Workers:      3,
		QueueSize:    1000,
		PushTimeout:  2 * time.Second,
		MaxAttempts:  3,
		RetryBackoff: 5 * time.Second,
		RateLimits:   DefaultRateLimits(),
		HistorySize:  1000,
	}
}

type Stats struct {
	Queued      int64             `json:"queued"`
	Sent        int64             `json:"sent"`
	Failed      int64             `json:"failed"`
	Dropped     int64             `json:"dropped"`
	RateLimited int64             `json:"rate_limited"`
	QueueDepth  int               `json:"queue_depth"`
	Delivered   map[Channel]int64 `json:"delivered"`
	Errors      map[Channel]int64 `json:"errors"`
	HourlyUsage map[Channel]int   `json:"hourly_usage"`
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithAuditSink(s AuditSink) Option {
	return func(d *Dispatcher) { d.audit = s }
}

type Dispatcher struct {
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time
	audit AuditSink

	transports map[Channel]Transport
	limiter    *rateLimiter
	q          *queue

	startOnce sync.Once
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	queued      atomic.Int64
	sent        atomic.Int64
	failed      atomic.Int64
	dropped     atomic.Int64
	rateLimited atomic.Int64

	mu        sync.Mutex
	delivered map[Channel]int64
	errs      map[Channel]int64
	history   []Alert
}

func NewDispatcher(cfg Config, log zerolog.Logger, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Workers < 2 {
		cfg.Workers = 2
	}
	if cfg.Workers > 4 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = def.PushTimeout
	}
	if cfg.MaxAttempts <= 0 || cfg.MaxAttempts > def.MaxAttempts {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = def.RateLimits
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}

	d := &Dispatcher{
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		transports: make(map[Channel]Transport),
		limiter:    newRateLimiter(cfg.RateLimits),
		q:          newQueue(cfg.QueueSize),
		delivered:  make(map[Channel]int64),
		errs:       make(map[Channel]int64),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register подключает транспорт к каналу. Каналы без транспорта пропускаются при маршрутизации.
func (d *Dispatcher) Register(ch Channel, t Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports[ch] = t
}

func (d *Dispatcher) transport(ch Channel) (Transport, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.transports[ch]
	return t, ok
}

func (d *Dispatcher) channelsFor(p Priority) []Channel {
	var out []Channel
	for _, ch := range ChannelsFor(p) {
		if _, ok := d.transport(ch); ok {
			out = append(out, ch)
		}
	}
	return out
}

// Start запускает воркеры. Контекст ограничивает время жизни доставок.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.ctx, d.cancel = context.WithCancel(ctx)
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
		d.log.Info().Int("workers", d.cfg.Workers).Int("queue_size", d.cfg.QueueSize).Msg("alert dispatcher started")
	})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		a, ok := d.q.pop()
		if !ok {
			return
		}
		d.deliver(d.ctx, a)
	}
}

// Send ставит алерт по нарушению в очередь и сразу возвращает его идентификатор.
func (d *Dispatcher) Send(ctx context.Context, v traffic.Violation) (uuid.UUID, error) {
	p := PriorityFor(v.Severity)
	a := &Alert{
		ID:          uuid.New(),
		ViolationID: v.ID,
		Priority:    p,
		Channels:    d.channelsFor(p),
		Status:      StatusPending,
		Results:     make(map[Channel]ChannelResult),
		CreatedAt:   d.now(),
		Violation:   v,
	}

	evicted, err := d.q.push(ctx, a, d.cfg.PushTimeout)
	if evicted != nil {
		d.drop(evicted, "evicted by higher priority alert")
	}
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			d.drop(a, "queue full")
		}
		return a.ID, err
	}
	d.queued.Add(1)
	return a.ID, nil
}

func (d *Dispatcher) drop(a *Alert, reason string) {
	d.dropped.Add(1)
	a.Status = StatusDropped
	a.Error = reason
	a.CompletedAt = d.now()
	d.log.Warn().
		Str("alert_id", a.ID.String()).
		Str("violation_id", a.ViolationID.String()).
		Str("priority", a.Priority.String()).
		Str("reason", reason).
		Msg("alert dropped")
	d.remember(context.Background(), a)
}

// deliver отправляет алерт во все каналы, повторяя только неудавшиеся каналы.
func (d *Dispatcher) deliver(ctx context.Context, a *Alert) {
	var pending []Channel
	slots := make(map[Channel]slot, len(a.Channels))
	for _, ch := range a.Channels {
		s, ok := d.limiter.reserve(ch, a.Priority, d.now())
		if !ok {
			d.rateLimited.Add(1)
			a.Results[ch] = ChannelResult{RateLimited: true, Error: ErrChannelRateLimited.Error(), At: d.now()}
			d.log.Warn().
				Str("alert_id", a.ID.String()).
				Str("channel", string(ch)).
				Msg("channel rate limited, skipping")
			continue
		}
		slots[ch] = s
		pending = append(pending, ch)
	}

	for attempt := 1; attempt <= d.cfg.MaxAttempts && len(pending) > 0; attempt++ {
		if attempt > 1 && !d.sleep(ctx, d.cfg.RetryBackoff) {
			break
		}
		a.Attempts = attempt

		var failed []Channel
		for _, ch := range pending {
			t, ok := d.transport(ch)
			if !ok {
				d.limiter.release(slots[ch])
				continue
			}
			payload := Payload{
				AlertID:   a.ID,
				Priority:  a.Priority,
				Attempt:   attempt,
				CreatedAt: a.CreatedAt,
				Violation: a.Violation,
			}
			err := d.safeSend(ctx, t, payload)
			r := a.Results[ch]
			r.Attempts++
			r.At = d.now()
			if err != nil {
				r.Error = err.Error()
				failed = append(failed, ch)
				d.count(ch, false)
				d.log.Warn().
					Err(err).
					Str("alert_id", a.ID.String()).
					Str("channel", string(ch)).
					Int("attempt", attempt).
					Msg("alert delivery failed")
			} else {
				r.Delivered = true
				r.Error = ""
				d.count(ch, true)
			}
			a.Results[ch] = r
		}
		pending = failed
	}
	for _, ch := range pending {
		d.limiter.release(slots[ch])
	}

	a.CompletedAt = d.now()
	if len(pending) == 0 {
		a.Status = StatusSent
		d.sent.Add(1)
	} else {
		names := make([]string, len(pending))
		for i, ch := range pending {
			names[i] = string(ch)
		}
		a.Status = StatusExhausted
		a.Error = fmt.Errorf("%w: %s", ErrChannelDeliveryFailed, strings.Join(names, ",")).Error()
		d.failed.Add(1)
		d.log.Error().
			Str("alert_id", a.ID.String()).
			Str("violation_id", a.ViolationID.String()).
			Strs("channels", names).
			Int("attempts", a.Attempts).
			Msg("alert delivery exhausted")
	}
	d.remember(ctx, a)
}

func (d *Dispatcher) safeSend(ctx context.Context, t Transport, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return t.Send(ctx, p)
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (d *Dispatcher) count(ch Channel, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ok {
		d.delivered[ch]++
	} else {
		d.errs[ch]++
	}
}

func (d *Dispatcher) remember(ctx context.Context, a *Alert) {
	rec := a.clone()
	d.mu.Lock()
	d.history = append(d.history, rec)
	if len(d.history) > d.cfg.HistorySize {
		d.history = append([]Alert(nil), d.history[len(d.history)-d.cfg.HistorySize:]...)
	}
	d.mu.Unlock()

	if d.audit == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.audit.SaveAlert(saveCtx, rec); err != nil {
		d.log.Error().Err(err).Str("alert_id", rec.ID.String()).Msg("failed to save alert audit record")
	}
}

// Recent последние n записей журнала доставки, новые в конце.
func (d *Dispatcher) Recent(n int) []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n <= 0 || n > len(d.history) {
		n = len(d.history)
	}
	out := make([]Alert, 0, n)
	for _, a := range d.history[len(d.history)-n:] {
		out = append(out, a.clone())
	}
	return out
}

func (d *Dispatcher) Stats() Stats {
	st := Stats{
		Queued:      d.queued.Load(),
		Sent:        d.sent.Load(),
		Failed:      d.failed.Load(),
		Dropped:     d.dropped.Load(),
		RateLimited: d.rateLimited.Load(),
		QueueDepth:  d.q.len(),
		HourlyUsage: d.limiter.usage(d.now()),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	st.Delivered = make(map[Channel]int64, len(d.delivered))
	for k, v := range d.delivered {
		st.Delivered[k] = v
	}
	st.Errors = make(map[Channel]int64, len(d.errs))
	for k, v := range d.errs {
		st.Errors[k] = v
	}
	return st
}

// Close перестает принимать алерты и дожидается опустошения очереди.
// Если ctx истекает раньше, текущие доставки отменяются, а оставшиеся алерты отбрасываются.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.q.close()

	if d.cancel == nil {
		for _, a := range d.q.discard() {
			d.drop(a, "dispatcher closed before start")
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.log.Info().Msg("alert dispatcher drained")
		return nil
	case <-ctx.Done():
		d.cancel()
		for _, a := range d.q.discard() {
			d.drop(a, "dispatcher shutdown")
		}
		<-done
		return ctx.Err()
	}
}
