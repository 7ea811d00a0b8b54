package perception

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"traffic-violation-service/internal/domain/traffic"
)

// IoUTracker простой трекер для детекторов без собственного трекинга:
// жадное сопоставление по пересечению рамок, трек живет MaxMisses кадров без совпадений.
type IoUTracker struct {
	MinIoU    float64
	MaxMisses int

	mu     sync.Mutex
	next   map[string]int64
	tracks map[string][]*iouTrack
}

type iouTrack struct {
	id     string
	box    traffic.BBox
	class  string
	misses int
}

func NewIoUTracker(minIoU float64, maxMisses int) *IoUTracker {
	if minIoU <= 0 {
		minIoU = 0.3
	}
	if maxMisses <= 0 {
		maxMisses = 5
	}
	return &IoUTracker{
		MinIoU:    minIoU,
		MaxMisses: maxMisses,
		next:      make(map[string]int64),
		tracks:    make(map[string][]*iouTrack),
	}
}

func IoU(a, b traffic.BBox) float64 {
	w := min(a.X2, b.X2) - max(a.X1, b.X1)
	h := min(a.Y2, b.Y2) - max(a.Y1, b.Y1)
	if w <= 0 || h <= 0 {
		return 0
	}
	inter := w * h
	union := a.Width()*a.Height() + b.Width()*b.Height() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func (t *IoUTracker) Update(_ context.Context, detections []Detection, f Frame) ([]TrackedVehicle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	type pair struct {
		track, det int
		iou        float64
	}
	tracks := t.tracks[f.DeviceID]
	var pairs []pair
	for i, tr := range tracks {
		for j, d := range detections {
			if v := IoU(tr.box, d.BBox); v >= t.MinIoU {
				pairs = append(pairs, pair{track: i, det: j, iou: v})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].iou > pairs[j].iou })

	usedTrack := make([]bool, len(tracks))
	assigned := make([]string, len(detections))
	for _, p := range pairs {
		if usedTrack[p.track] || assigned[p.det] != "" {
			continue
		}
		usedTrack[p.track] = true
		tr := tracks[p.track]
		tr.box, tr.class, tr.misses = detections[p.det].BBox, detections[p.det].Class, 0
		assigned[p.det] = tr.id
	}

	kept := tracks[:0]
	for i, tr := range tracks {
		if !usedTrack[i] {
			tr.misses++
		}
		if tr.misses <= t.MaxMisses {
			kept = append(kept, tr)
		}
	}

	out := make([]TrackedVehicle, 0, len(detections))
	for j, d := range detections {
		if assigned[j] == "" {
			t.next[f.DeviceID]++
			id := fmt.Sprintf("%s-%d", f.DeviceID, t.next[f.DeviceID])
			kept = append(kept, &iouTrack{id: id, box: d.BBox, class: d.Class})
			assigned[j] = id
		}
		out = append(out, TrackedVehicle{TrackID: assigned[j], BBox: d.BBox, Class: d.Class, Confidence: d.Confidence})
	}
	t.tracks[f.DeviceID] = kept
	return out, nil
}
