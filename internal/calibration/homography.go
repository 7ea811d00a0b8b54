package calibration

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"traffic-violation-service/internal/domain/traffic"
)

const (
	horizonEpsilon   = 1e-9
	collinearEpsilon = 1e-6
)

// Homography матрица 3x3 построчно.
type Homography [9]float64

func (h Homography) Apply(p traffic.Point) (traffic.Point, error) {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if math.Abs(w) < horizonEpsilon {
		return traffic.Point{}, ErrHorizon
	}
	out := traffic.Point{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}
	if math.IsNaN(out.X) || math.IsNaN(out.Y) || math.IsInf(out.X, 0) || math.IsInf(out.Y, 0) {
		return traffic.Point{}, ErrHorizon
	}
	return out, nil
}

func (h Homography) Inverse() (Homography, error) {
	data := h
	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(3, 3, data[:])); err != nil {
		return Homography{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	return fromDense(&inv)
}

func fromDense(m mat.Matrix) (Homography, error) {
	var h Homography
	scale := m.At(2, 2)
	if math.Abs(scale) < horizonEpsilon {
		scale = 1
	}
	for i := 0; i < 9; i++ {
		v := m.At(i/3, i%3) / scale
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Homography{}, ErrDegenerate
		}
		h[i] = v
	}
	return h, nil
}

// fitHomography решает DLT с нормализацией Хартли (src -> dst) через SVD.
// Для более чем 4 точек это решение по методу наименьших квадратов.
func fitHomography(src, dst []traffic.Point) (Homography, error) {
	n := len(src)
	if n < 4 || n != len(dst) {
		return Homography{}, fmt.Errorf("%w: need at least 4 point pairs, got %d", ErrInsufficientPoints, n)
	}
	if allCollinear(src) || allCollinear(dst) {
		return Homography{}, ErrDegenerate
	}

	srcT, srcN, err := normalizePoints(src)
	if err != nil {
		return Homography{}, err
	}
	dstT, dstN, err := normalizePoints(dst)
	if err != nil {
		return Homography{}, err
	}

	rows := 2 * n
	if rows < 9 {
		rows = 9
	}
	a := mat.NewDense(rows, 9, nil)
	for i := 0; i < n; i++ {
		x, y := srcN[i].X, srcN[i].Y
		u, v := dstN[i].X, dstN[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return Homography{}, fmt.Errorf("%w: svd did not converge", ErrDegenerate)
	}
	var vt mat.Dense
	svd.VTo(&vt)

	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		hn.Set(i/3, i%3, vt.At(i, 8))
	}

	if math.Abs(mat.Det(hn)) < 1e-10 {
		return Homography{}, ErrDegenerate
	}

	var h mat.Dense
	h.Product(denormalizer(dstT), hn, srcT)
	return fromDense(&h)
}

func normalizePoints(pts []traffic.Point) (*mat.Dense, []traffic.Point, error) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))

	var mean float64
	for _, p := range pts {
		mean += math.Hypot(p.X-cx, p.Y-cy)
	}
	mean /= float64(len(pts))
	if mean < horizonEpsilon {
		return nil, nil, ErrDegenerate
	}
	s := math.Sqrt2 / mean

	out := make([]traffic.Point, len(pts))
	for i, p := range pts {
		out[i] = traffic.Point{X: s * (p.X - cx), Y: s * (p.Y - cy)}
	}
	t := mat.NewDense(3, 3, []float64{
		s, 0, -s * cx,
		0, s, -s * cy,
		0, 0, 1,
	})
	return t, out, nil
}

func denormalizer(t *mat.Dense) *mat.Dense {
	s := t.At(0, 0)
	cx := -t.At(0, 2) / s
	cy := -t.At(1, 2) / s
	return mat.NewDense(3, 3, []float64{
		1 / s, 0, cx,
		0, 1 / s, cy,
		0, 0, 1,
	})
}

func collinear(a, b, c traffic.Point) bool {
	area := (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
	scale := math.Max(a.Dist(b)*a.Dist(c), horizonEpsilon)
	return math.Abs(area)/scale < collinearEpsilon
}

// anyTripleCollinear вырожденность минимальной выборки из 4 точек.
func anyTripleCollinear(pts []traffic.Point) bool {
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			for k := j + 1; k < len(pts); k++ {
				if collinear(pts[i], pts[j], pts[k]) {
					return true
				}
			}
		}
	}
	return false
}

func allCollinear(pts []traffic.Point) bool {
	if len(pts) < 3 {
		return true
	}
	for i := 2; i < len(pts); i++ {
		if !collinear(pts[0], pts[1], pts[i]) {
			return false
		}
	}
	return true
}

func pick(pts []traffic.Point, idx []int) []traffic.Point {
	out := make([]traffic.Point, len(idx))
	for i, j := range idx {
		out[i] = pts[j]
	}
	return out
}

func binomial(n, k int) int {
	if k > n {
		return 0
	}
	r := 1
	for i := 1; i <= k; i++ {
		r = r * (n - k + i) / i
	}
	return r
}

// ransacInliers ищет наибольшее множество согласованных точек.
// При небольшом числе точек перебираются все четверки, иначе MaxSamples случайных.
func ransacInliers(src, dst []traffic.Point, cfg Config) []int {
	n := len(src)
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	if n <= 4 {
		return all
	}

	var best []int
	bestErr := math.Inf(1)
	try := func(sample []int) {
		s, d := pick(src, sample), pick(dst, sample)
		if anyTripleCollinear(s) || anyTripleCollinear(d) {
			return
		}
		h, err := fitHomography(s, d)
		if err != nil {
			return
		}
		var inliers []int
		var sum float64
		for i := 0; i < n; i++ {
			p, err := h.Apply(src[i])
			if err != nil {
				continue
			}
			if e := p.Dist(dst[i]); e < cfg.InlierThresholdM {
				inliers = append(inliers, i)
				sum += e
			}
		}
		if len(inliers) == 0 {
			return
		}
		mean := sum / float64(len(inliers))
		if len(inliers) > len(best) || (len(inliers) == len(best) && mean < bestErr) {
			best, bestErr = inliers, mean
		}
	}

	if binomial(n, 4) <= cfg.MaxSamples {
		for a := 0; a < n; a++ {
			for b := a + 1; b < n; b++ {
				for c := b + 1; c < n; c++ {
					for d := c + 1; d < n; d++ {
						try([]int{a, b, c, d})
					}
				}
			}
		}
	} else {
		rng := rand.New(rand.NewSource(cfg.Seed))
		for i := 0; i < cfg.MaxSamples; i++ {
			try(rng.Perm(n)[:4])
		}
	}

	if len(best) < 4 {
		return all
	}
	return best
}

// reprojectionError средняя ошибка в метрах. При 5 и более точках каждая точка
// проецируется моделью, построенной без нее (leave-one-out). Вырожденные подвыборки
// пропускаются; если не осталось ни одной, а также для ровно 4 точек, используется
// ошибка на самих точках. Вызывающий передает только inlier'ы RANSAC, отброшенные
// выбросы в ошибку не входят.
func reprojectionError(src, dst []traffic.Point, full Homography) float64 {
	n := len(src)
	if n > 4 {
		var sum float64
		folds := 0
		for i := 0; i < n; i++ {
			s := make([]traffic.Point, 0, n-1)
			d := make([]traffic.Point, 0, n-1)
			for j := 0; j < n; j++ {
				if j != i {
					s = append(s, src[j])
					d = append(d, dst[j])
				}
			}
			h, err := fitHomography(s, d)
			if err != nil {
				continue
			}
			p, err := h.Apply(src[i])
			if err != nil {
				return math.Inf(1)
			}
			sum += p.Dist(dst[i])
			folds++
		}
		if folds > 0 {
			return sum / float64(folds)
		}
	}

	var sum float64
	for i := range src {
		p, err := full.Apply(src[i])
		if err != nil {
			return math.Inf(1)
		}
		sum += p.Dist(dst[i])
	}
	return sum / float64(n)
}
