package coordinator

import (
	"math"

	"traffic-violation-service/internal/calibration"
	"traffic-violation-service/internal/domain/traffic"
)

// laneHalfWidthM машина считается впереди в той же полосе, если боковое смещение меньше половины полосы.
const laneHalfWidthM = 1.75

type placed struct {
	trackID string
	zoneID  string
	world   traffic.Point
	dir     traffic.Point
	hasDir  bool
}

// followingGaps оценивает дистанцию до впереди идущей машины по калиброванным точкам контакта с дорогой.
// Направление движения берется из зоны, иначе из трека.
func followingGaps(d *Device, frame traffic.Frame) map[string]float64 {
	var cars []placed
	for _, obs := range frame.Observations {
		if !obs.BBox.Valid() || obs.FollowingDistanceM != nil {
			continue
		}
		pix := obs.BBox.BottomCenter()
		world, err := d.Calibrator.PixelToReal(pix)
		if err != nil {
			continue
		}
		p := placed{trackID: obs.TrackID, zoneID: obs.ZoneID, world: world}

		var pixDir traffic.Point
		var ok bool
		if z, found := zoneOf(d, obs.ZoneID, pix); found {
			p.zoneID = z.ID
			pixDir, ok = z.ExpectedDirection()
		}
		if !ok {
			if tr, found := d.Trajectories.Get(obs.TrackID); found && tr.Direction != nil {
				pixDir, ok = *tr.Direction, true
			}
		}
		if ok {
			// переводим направление в метры по соседней точке
			ahead, err := d.Calibrator.PixelToReal(pix.Add(pixDir.Scale(10)))
			if err == nil {
				p.dir, p.hasDir = ahead.Sub(world).Unit()
			}
		}
		cars = append(cars, p)
	}

	gaps := make(map[string]float64)
	for i, me := range cars {
		if !me.hasDir {
			continue
		}
		best := math.Inf(1)
		for j, other := range cars {
			if i == j || other.zoneID != me.zoneID {
				continue
			}
			rel := other.world.Sub(me.world)
			along := rel.Dot(me.dir)
			if along <= 0 {
				continue
			}
			lateral := rel.Sub(me.dir.Scale(along)).Norm()
			if lateral > laneHalfWidthM {
				continue
			}
			best = math.Min(best, along)
		}
		if !math.IsInf(best, 1) {
			gaps[me.trackID] = best
		}
	}
	return gaps
}

func zoneOf(d *Device, zoneID string, p traffic.Point) (calibration.Zone, bool) {
	if zoneID != "" {
		return d.Calibrator.Zone(zoneID)
	}
	return d.Calibrator.ZoneFor(p)
}
