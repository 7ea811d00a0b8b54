package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"traffic-violation-service/internal/alert"
	"traffic-violation-service/internal/domain/traffic"
)

const (
	reportTopZones   = 10
	reportTopVehicle = 10
)

type Stats struct {
	FramesProcessed       int64                  `json:"frames_processed"`
	ObservationsProcessed int64                  `json:"observations_processed"`
	Errors                int64                  `json:"errors"`
	UncalibratedFrames    int64                  `json:"uncalibrated_frames"`
	Measurements          int64                  `json:"measurements"`
	Rejections            map[string]int64       `json:"rejections"`
	ActiveTracks          int                    `json:"active_tracks"`
	Devices               int                    `json:"devices"`
	TotalViolations       int64                  `json:"total_violations"`
	ViolationsByType      map[traffic.Type]int64 `json:"violations_by_type"`
	ViolationsBySeverity  map[string]int64       `json:"violations_by_severity"`
	FalsePositives        int64                  `json:"false_positives"`
	FalsePositiveRate     float64                `json:"false_positive_rate"`
	BufferedViolations    int                    `json:"buffered_violations"`
	BufferDropped         int64                  `json:"buffer_dropped"`
	StoreFailures         int64                  `json:"store_failures"`
	AlertEnqueueFailures  int64                  `json:"alert_enqueue_failures"`
	Alerts                alert.Stats            `json:"alerts"`
	UptimeSeconds         float64                `json:"uptime_seconds"`
}

// Statistics счетчики с момента запуска процесса.
func (c *Coordinator) Statistics() Stats {
	st := Stats{
		FramesProcessed:       c.frames.Load(),
		ObservationsProcessed: c.observations.Load(),
		Errors:                c.errs.Load(),
		UncalibratedFrames:    c.uncalibrated.Load(),
		Rejections:            make(map[string]int64),
		ViolationsByType:      make(map[traffic.Type]int64),
		ViolationsBySeverity:  make(map[string]int64),
		StoreFailures:         c.storeFailures.Load(),
		AlertEnqueueFailures:  c.alertFailures.Load(),
		UptimeSeconds:         c.now().Sub(c.started).Seconds(),
	}

	c.mu.RLock()
	st.Devices = len(c.devices)
	for _, d := range c.devices {
		sp := d.Speed.Stats()
		st.Measurements += sp.Measurements
		for reason, n := range sp.Rejected {
			st.Rejections[reason] += n
		}
		st.ActiveTracks += d.Trajectories.Len()
	}
	c.mu.RUnlock()

	c.statsMu.Lock()
	st.TotalViolations = c.total
	for t, n := range c.byType {
		st.ViolationsByType[t] = n
	}
	for s, n := range c.bySeverity {
		st.ViolationsBySeverity[s.String()] = n
	}
	st.FalsePositives = c.falsePositives
	c.statsMu.Unlock()
	if st.TotalViolations > 0 {
		st.FalsePositiveRate = float64(st.FalsePositives) / float64(st.TotalViolations)
	}

	c.bufMu.Lock()
	st.BufferedViolations = len(c.buffer)
	st.BufferDropped = c.bufferDropped
	c.bufMu.Unlock()

	if c.dispatcher != nil {
		st.Alerts = c.dispatcher.Stats()
	}
	return st
}

// Report агрегирует нарушения за [start, end). Разбивки считаются по подтвержденным нарушениям,
// ложные срабатывания учитываются отдельно. Еще не сохраненные нарушения из буфера тоже входят в отчет.
func (c *Coordinator) Report(ctx context.Context, start, end time.Time) (traffic.Report, error) {
	if !end.After(start) {
		return traffic.Report{}, fmt.Errorf("report window end must be after start")
	}
	var found []traffic.Violation
	if c.store != nil {
		var err error
		found, err = c.store.Query(ctx, traffic.Filter{From: start, To: end, IncludeFalsePositives: true})
		if err != nil {
			return traffic.Report{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	seen := make(map[string]struct{}, len(found))
	for _, v := range found {
		seen[v.ID.String()] = struct{}{}
	}
	for _, v := range c.Buffered() {
		if _, ok := seen[v.ID.String()]; ok {
			continue
		}
		if !v.Timestamp.Before(start) && v.Timestamp.Before(end) {
			found = append(found, v)
		}
	}

	r := Aggregate(found, start, end)
	st := c.Statistics()
	r.System = traffic.SystemPerformance{
		FramesProcessed:       st.FramesProcessed,
		ObservationsProcessed: st.ObservationsProcessed,
		Errors:                st.Errors,
		AlertsSent:            st.Alerts.Sent,
		AlertsFailed:          st.Alerts.Failed,
		AlertsDropped:         st.Alerts.Dropped,
		BufferedViolations:    st.BufferedViolations,
		UptimeSeconds:         st.UptimeSeconds,
	}
	return r, nil
}

// Aggregate строит отчет по готовой выборке без обращения к хранилищу.
func Aggregate(vs []traffic.Violation, start, end time.Time) traffic.Report {
	r := traffic.Report{
		Start:      start,
		End:        end,
		ByType:     make(map[traffic.Type]int),
		BySeverity: make(map[string]int),
		ByHour:     make(map[int]int),
	}
	zones := make(map[string]int)
	type offender struct {
		vehicle string
		plate   string
		count   int
	}
	offenders := make(map[string]*offender)

	var confSum, speedSum float64
	var speedN int
	for _, v := range vs {
		if v.FalsePositive {
			r.FalsePositives++
			continue
		}
		r.Total++
		r.ByType[v.Type]++
		r.BySeverity[v.Severity.String()]++
		r.ByHour[v.Timestamp.UTC().Hour()]++
		if v.ZoneID != "" {
			zones[v.ZoneID]++
		}
		key := v.DeviceID + "/" + v.VehicleID
		if v.Plate != "" {
			key = "plate:" + v.Plate
		}
		o, ok := offenders[key]
		if !ok {
			o = &offender{vehicle: v.VehicleID, plate: v.Plate}
			offenders[key] = o
		}
		o.count++
		confSum += v.Confidence
		if v.Type == traffic.TypeSpeed && v.MeasuredSpeedKmh != nil {
			speedSum += *v.MeasuredSpeedKmh
			speedN++
		}
	}

	if all := r.Total + r.FalsePositives; all > 0 {
		r.FalsePositiveRate = float64(r.FalsePositives) / float64(all)
	}
	if r.Total > 0 {
		r.AverageConfidence = confSum / float64(r.Total)
	}
	if speedN > 0 {
		r.AverageSpeedKmh = speedSum / float64(speedN)
	}

	r.TopZones = make([]traffic.ZoneCount, 0, len(zones))
	for id, n := range zones {
		r.TopZones = append(r.TopZones, traffic.ZoneCount{ZoneID: id, Count: n})
	}
	sort.Slice(r.TopZones, func(i, j int) bool {
		if r.TopZones[i].Count != r.TopZones[j].Count {
			return r.TopZones[i].Count > r.TopZones[j].Count
		}
		return r.TopZones[i].ZoneID < r.TopZones[j].ZoneID
	})
	if len(r.TopZones) > reportTopZones {
		r.TopZones = r.TopZones[:reportTopZones]
	}

	r.RepeatOffenders = []traffic.OffenderCount{}
	for _, o := range offenders {
		if o.count < 2 {
			continue
		}
		r.RepeatOffenders = append(r.RepeatOffenders, traffic.OffenderCount{VehicleID: o.vehicle, Plate: o.plate, Count: o.count})
	}
	sort.Slice(r.RepeatOffenders, func(i, j int) bool {
		a, b := r.RepeatOffenders[i], r.RepeatOffenders[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Plate != b.Plate {
			return a.Plate < b.Plate
		}
		return a.VehicleID < b.VehicleID
	})
	if len(r.RepeatOffenders) > reportTopVehicle {
		r.RepeatOffenders = r.RepeatOffenders[:reportTopVehicle]
	}
	return r
}
