package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"traffic-violation-service/internal/domain/traffic"
)

// persist сохраняет нарушение; при недоступном хранилище кладет его в буфер.
// Переполненный буфер теряет самые старые записи.
func (c *Coordinator) persist(ctx context.Context, v traffic.Violation) {
	if c.store == nil {
		c.enqueue(v)
		return
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	if err := c.store.Save(sctx, v); err != nil {
		c.storeFailures.Add(1)
		c.log.Warn().
			Err(fmt.Errorf("%w: %v", ErrStoreUnavailable, err)).
			Str("violation_id", v.ID.String()).
			Msg("violation buffered")
		c.enqueue(v)
	}
}

func (c *Coordinator) enqueue(v traffic.Violation) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	if len(c.buffer) >= c.cfg.StoreBufferSize {
		drop := len(c.buffer) - c.cfg.StoreBufferSize + 1
		c.bufferDropped += int64(drop)
		c.log.Error().
			Int("dropped", drop).
			Str("oldest_violation_id", c.buffer[0].ID.String()).
			Msg("violation buffer overflow")
		c.buffer = append(c.buffer[:0], c.buffer[drop:]...)
	}
	c.buffer = append(c.buffer, v)
}

// flush досылает буфер в исходном порядке и останавливается на первой ошибке.
// Одновременно работает только один flush.
func (c *Coordinator) flush(ctx context.Context) int {
	if c.store == nil || !c.flushMu.TryLock() {
		return 0
	}
	defer c.flushMu.Unlock()

	c.bufMu.Lock()
	pending := append([]traffic.Violation(nil), c.buffer...)
	c.bufMu.Unlock()
	if len(pending) == 0 {
		return 0
	}

	saved := 0
	for _, v := range pending {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		err := c.store.Save(sctx, v)
		cancel()
		if err != nil {
			c.log.Debug().Err(err).Int("pending", len(pending)-saved).Msg("store still unavailable")
			break
		}
		saved++
	}
	if saved == 0 {
		return 0
	}

	c.bufMu.Lock()
	c.buffer = removeSaved(c.buffer, pending[:saved])
	c.bufMu.Unlock()
	c.log.Info().Int("saved", saved).Msg("flushed buffered violations")
	return saved
}

// removeSaved учитывает, что пока шел flush, буфер мог пополниться или потерять старые записи.
func removeSaved(buf, saved []traffic.Violation) []traffic.Violation {
	done := make(map[uuid.UUID]struct{}, len(saved))
	for _, v := range saved {
		done[v.ID] = struct{}{}
	}
	out := buf[:0]
	for _, v := range buf {
		if _, ok := done[v.ID]; !ok {
			out = append(out, v)
		}
	}
	return out
}

// Flush принудительно досылает буфер, возвращает число сохраненных нарушений.
func (c *Coordinator) Flush(ctx context.Context) int {
	return c.flush(ctx)
}

func (c *Coordinator) Buffered() []traffic.Violation {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return append([]traffic.Violation(nil), c.buffer...)
}

// MarkFalsePositive идемпотентна: повторная отметка не меняет счетчики.
func (c *Coordinator) MarkFalsePositive(ctx context.Context, id uuid.UUID) error {
	if c.markBuffered(id) {
		return nil
	}
	if c.store == nil {
		return traffic.ErrViolationNotFound
	}
	changed, err := c.store.MarkFalsePositive(ctx, id)
	if err != nil {
		if errors.Is(err, traffic.ErrViolationNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if changed {
		c.statsMu.Lock()
		c.falsePositives++
		c.statsMu.Unlock()
	}
	return nil
}

func (c *Coordinator) markBuffered(id uuid.UUID) bool {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	for i := range c.buffer {
		if c.buffer[i].ID != id {
			continue
		}
		if !c.buffer[i].FalsePositive {
			c.buffer[i].FalsePositive = true
			c.statsMu.Lock()
			c.falsePositives++
			c.statsMu.Unlock()
		}
		return true
	}
	return false
}
