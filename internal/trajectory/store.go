package trajectory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"traffic-violation-service/internal/domain/traffic"
)

var (
	ErrOutOfOrder = errors.New("trajectory update is older than the last point")
	ErrNotFound   = errors.New("trajectory not found")
)

const directionWindow = 5

type Config struct {
	MaxTrajectories int
	MaxPoints       int
	StaleAfter      time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxTrajectories: 1000,
		MaxPoints:       100,
		StaleAfter:      300 * time.Second,
	}
}

type Point struct {
	Position  traffic.Point `json:"position"`
	Timestamp time.Time     `json:"timestamp"`
	Frame     int64         `json:"frame"`
}

// Trajectory копия истории трека. Store никогда не отдает свои внутренние срезы.
type Trajectory struct {
	TrackID       string         `json:"track_id"`
	Points        []Point        `json:"points"`
	TotalDistance float64        `json:"total_distance_px"`
	AvgSpeed      float64        `json:"avg_speed_px_s"`
	Direction     *traffic.Point `json:"direction,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	LastUpdated   time.Time      `json:"last_updated"`
}

func (t Trajectory) Len() int { return len(t.Points) }

func (t Trajectory) Duration() time.Duration {
	if len(t.Points) < 2 {
		return 0
	}
	return t.Points[len(t.Points)-1].Timestamp.Sub(t.Points[0].Timestamp)
}

func (t Trajectory) Last() (Point, bool) {
	if len(t.Points) == 0 {
		return Point{}, false
	}
	return t.Points[len(t.Points)-1], true
}

func (t Trajectory) Positions() []traffic.Point {
	out := make([]traffic.Point, len(t.Points))
	for i, p := range t.Points {
		out[i] = p.Position
	}
	return out
}

type track struct {
	points    []Point
	distance  float64
	direction *traffic.Point
	created   time.Time
	updated   time.Time
}

func (tr *track) snapshot(id string) Trajectory {
	t := Trajectory{
		TrackID:       id,
		Points:        append([]Point(nil), tr.points...),
		TotalDistance: tr.distance,
		CreatedAt:     tr.created,
		LastUpdated:   tr.updated,
	}
	if tr.direction != nil {
		d := *tr.direction
		t.Direction = &d
	}
	if elapsed := t.Duration().Seconds(); elapsed > 0 {
		t.AvgSpeed = tr.distance / elapsed
	}
	return t
}

type Store struct {
	cfg    Config
	log    zerolog.Logger
	mu     sync.RWMutex
	tracks map[string]*track
}

func NewStore(cfg Config, log zerolog.Logger) *Store {
	def := DefaultConfig()
	if cfg.MaxTrajectories <= 0 {
		cfg.MaxTrajectories = def.MaxTrajectories
	}
	if cfg.MaxPoints < 2 {
		cfg.MaxPoints = def.MaxPoints
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	return &Store{
		cfg:    cfg,
		log:    log,
		tracks: make(map[string]*track),
	}
}

// Update добавляет точку в трек. Метки времени внутри трека не убывают,
// более старые обновления отклоняются с ErrOutOfOrder.
func (s *Store) Update(trackID string, pos traffic.Point, ts time.Time, frame int64) (Trajectory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.tracks[trackID]
	if !ok {
		if len(s.tracks) >= s.cfg.MaxTrajectories {
			s.evictOldestLocked()
		}
		tr = &track{created: ts}
		s.tracks[trackID] = tr
	}

	if n := len(tr.points); n > 0 {
		last := tr.points[n-1]
		if ts.Before(last.Timestamp) {
			return Trajectory{}, fmt.Errorf("%w: track %s at %s, last %s",
				ErrOutOfOrder, trackID, ts.Format(time.RFC3339Nano), last.Timestamp.Format(time.RFC3339Nano))
		}
		tr.distance += last.Position.Dist(pos)
	}

	tr.points = append(tr.points, Point{Position: pos, Timestamp: ts, Frame: frame})
	if len(tr.points) > s.cfg.MaxPoints {
		drop := len(tr.points) - s.cfg.MaxPoints
		for i := 0; i < drop; i++ {
			tr.distance -= tr.points[i].Position.Dist(tr.points[i+1].Position)
		}
		tr.points = append([]Point(nil), tr.points[drop:]...)
		if tr.distance < 0 {
			tr.distance = 0
		}
	}
	tr.updated = ts
	tr.direction = direction(tr.points)

	return tr.snapshot(trackID), nil
}

// direction по последним directionWindow точкам, нужно минимум 3.
func direction(points []Point) *traffic.Point {
	if len(points) < 3 {
		return nil
	}
	start := len(points) - directionWindow
	if start < 0 {
		start = 0
	}
	d, ok := points[len(points)-1].Position.Sub(points[start].Position).Unit()
	if !ok {
		return nil
	}
	return &d
}

func (s *Store) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, tr := range s.tracks {
		if oldestID == "" || tr.updated.Before(oldest) {
			oldestID, oldest = id, tr.updated
		}
	}
	if oldestID != "" {
		delete(s.tracks, oldestID)
		s.log.Debug().Str("track_id", oldestID).Msg("evicted least recently updated trajectory")
	}
}

func (s *Store) Get(trackID string) (Trajectory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.tracks[trackID]
	if !ok {
		return Trajectory{}, false
	}
	return tr.snapshot(trackID), true
}

// Active треки, обновленные не позже maxAge назад, в порядке идентификаторов.
func (s *Store) Active(now time.Time, maxAge time.Duration) []Trajectory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Trajectory
	for id, tr := range s.tracks {
		if now.Sub(tr.updated) <= maxAge {
			out = append(out, tr.snapshot(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

func (s *Store) Remove(trackID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.tracks[trackID]
	delete(s.tracks, trackID)
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

// Predict экстраполирует положение на dt вперед по направлению и средней скорости.
func (s *Store) Predict(trackID string, dt time.Duration) (traffic.Point, error) {
	t, ok := s.Get(trackID)
	if !ok {
		return traffic.Point{}, ErrNotFound
	}
	last, ok := t.Last()
	if !ok {
		return traffic.Point{}, ErrNotFound
	}
	if t.Direction == nil {
		return last.Position, nil
	}
	return last.Position.Add(t.Direction.Scale(t.AvgSpeed * dt.Seconds())), nil
}

// Smoothed скользящее среднее положений с окном window.
func (s *Store) Smoothed(trackID string, window int) ([]traffic.Point, error) {
	t, ok := s.Get(trackID)
	if !ok {
		return nil, ErrNotFound
	}
	return Smooth(t.Positions(), window), nil
}

func Smooth(points []traffic.Point, window int) []traffic.Point {
	if window <= 1 || len(points) < window {
		return append([]traffic.Point(nil), points...)
	}
	out := make([]traffic.Point, len(points))
	half := window / 2
	for i := range points {
		lo, hi := i-half, i+half
		if lo < 0 {
			lo = 0
		}
		if hi >= len(points) {
			hi = len(points) - 1
		}
		var sum traffic.Point
		for j := lo; j <= hi; j++ {
			sum = sum.Add(points[j])
		}
		out[i] = sum.Scale(1 / float64(hi-lo+1))
	}
	return out
}

// Sweep удаляет треки без обновлений дольше StaleAfter.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, tr := range s.tracks {
		if now.Sub(tr.updated) > s.cfg.StaleAfter {
			delete(s.tracks, id)
			removed++
		}
	}
	if removed > 0 {
		s.log.Debug().Int("removed", removed).Int("remaining", len(s.tracks)).Msg("swept stale trajectories")
	}
	return removed
}

// RunSweeper периодически вызывает Sweep до отмены контекста.
func (s *Store) RunSweeper(ctx context.Context, every time.Duration, now func() time.Time) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(now())
		}
	}
}

type Stats struct {
	Active       int     `json:"active"`
	TotalPoints  int     `json:"total_points"`
	AvgLength    float64 `json:"avg_length"`
	LongestTrack string  `json:"longest_track,omitempty"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Active: len(s.tracks)}
	longest := 0
	for id, tr := range s.tracks {
		st.TotalPoints += len(tr.points)
		if len(tr.points) > longest || (len(tr.points) == longest && id < st.LongestTrack) {
			longest, st.LongestTrack = len(tr.points), id
		}
	}
	if st.Active > 0 {
		st.AvgLength = float64(st.TotalPoints) / float64(st.Active)
	}
	return st
}
