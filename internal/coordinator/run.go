package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"traffic-violation-service/internal/domain/traffic"
)

type runState struct {
	ctx   context.Context
	group *errgroup.Group
	c     *Coordinator
}

// start запускает обработчик очереди кадров камеры. Вызывается под c.mu.
func (r *runState) start(d *Device) {
	r.group.Go(func() error {
		r.c.worker(r.ctx, d)
		return nil
	})
}

// Submit ставит кадр в очередь камеры без блокировки.
func (c *Coordinator) Submit(ctx context.Context, frame traffic.Frame) error {
	if frame.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidFrame)
	}
	c.mu.RLock()
	running := c.run != nil
	c.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	d := c.Device(frame.DeviceID)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case d.frames <- frame:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrBusy, frame.DeviceID)
	}
}

// Run обрабатывает очереди кадров всех камер и обслуживает состояние до отмены контекста.
// Начатый кадр дорабатывается до конца.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		return errors.New("coordinator is already running")
	}
	c.run = &runState{ctx: gctx, group: g, c: c}
	for _, d := range c.devices {
		c.run.start(d)
	}
	c.mu.Unlock()

	g.Go(func() error {
		c.maintain(gctx)
		return nil
	})

	c.log.Info().Int("devices", len(c.Devices())).Msg("coordinator started")
	err := g.Wait()

	c.mu.Lock()
	c.run = nil
	c.mu.Unlock()

	c.Flush(context.WithoutCancel(ctx))
	c.log.Info().Int("buffered", len(c.Buffered())).Msg("coordinator stopped")
	return err
}

func (c *Coordinator) worker(ctx context.Context, d *Device) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-d.frames:
			// кадр не обрывается на середине при остановке
			if _, err := c.Process(context.WithoutCancel(ctx), frame); err != nil {
				c.errs.Add(1)
				c.log.Warn().Err(err).Str("device_id", d.ID).Int64("frame_id", frame.FrameID).Msg("frame rejected")
			}
		}
	}
}

func (c *Coordinator) maintain(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.MaintenanceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Maintain(ctx)
		}
	}
}

// Maintain чистит устаревшие треки, историю скоростей и кулдауны, затем досылает буфер.
// Возраст состояния считается по времени последнего кадра камеры: часы камеры и сервера могут расходиться.
func (c *Coordinator) Maintain(ctx context.Context) {
	c.mu.RLock()
	devices := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		devices = append(devices, d)
	}
	c.mu.RUnlock()

	var tracks, speeds, cooldowns int
	for _, d := range devices {
		t, s, cd := c.prune(d)
		tracks += t
		speeds += s
		cooldowns += cd
	}
	if tracks+speeds+cooldowns > 0 {
		c.log.Debug().
			Int("tracks", tracks).
			Int("speed_histories", speeds).
			Int("cooldowns", cooldowns).
			Msg("maintenance pass")
	}
	c.flush(ctx)
}

func (c *Coordinator) prune(d *Device) (tracks, speeds, cooldowns int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.lastFrame
	if now.IsZero() {
		return 0, 0, 0
	}
	return d.Trajectories.Sweep(now), d.Speed.Prune(now, c.cfg.Trajectory.StaleAfter), d.Violations.Prune(now)
}
