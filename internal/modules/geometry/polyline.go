// README: Polyline geometry on WGS84 paths: nearest-point projection, geodesic arc length, sub-path extraction.
package geometry

import (
	"errors"
	"math"
	"sort"

	"carpool/internal/types"
)

// earthRadiusM is the IUGG mean Earth radius.
const earthRadiusM = 6371008.8

// degenerateEps is the squared planar length (in degrees) below which a
// segment is treated as a single point.
const degenerateEps = 1e-18

var (
	ErrTooFewPoints = errors.New("polyline needs at least two points")
	ErrInvalidPoint = errors.New("polyline point out of range")
)

// Polyline is an immutable ordered list of coordinates with precomputed
// cumulative geodesic lengths. Build it once with NewPolyline.
type Polyline struct {
	points []types.Point
	cum    []float64 // meters from the first vertex to vertex i
}

// Projection is the closest point of a polyline to some query point.
type Projection struct {
	Fraction  float64 // position along total arc length, in [0,1]
	Point     types.Point
	Segment   int
	DistanceM float64 // geodesic distance from the query point to Point
}

func NewPolyline(points []types.Point) (Polyline, error) {
	if len(points) < 2 {
		return Polyline{}, ErrTooFewPoints
	}
	for _, p := range points {
		if !p.Valid() || math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
			return Polyline{}, ErrInvalidPoint
		}
	}
	pts := make([]types.Point, len(points))
	copy(pts, points)
	return build(pts), nil
}

func build(pts []types.Point) Polyline {
	cum := make([]float64, len(pts))
	for i := 1; i < len(pts); i++ {
		cum[i] = cum[i-1] + HaversineM(pts[i-1], pts[i])
	}
	return Polyline{points: pts, cum: cum}
}

// Points returns a copy of the vertices.
func (pl Polyline) Points() []types.Point {
	out := make([]types.Point, len(pl.points))
	copy(out, pl.points)
	return out
}

func (pl Polyline) NumPoints() int {
	return len(pl.points)
}

// Length is the geodesic arc length in meters.
func (pl Polyline) Length() float64 {
	if len(pl.cum) == 0 {
		return 0
	}
	return pl.cum[len(pl.cum)-1]
}

// LengthKm is Length in kilometres.
func (pl Polyline) LengthKm() float64 {
	return pl.Length() / 1000
}

// Project finds the point of the polyline closest to p. Each segment is
// projected onto perpendicularly (clamped to its endpoints) in a local
// equirectangular plane; the globally closest candidate wins and ties keep
// the lowest segment index.
func (pl Polyline) Project(p types.Point) Projection {
	best := Projection{DistanceM: math.Inf(1)}
	for i := 0; i+1 < len(pl.points); i++ {
		a, b := pl.points[i], pl.points[i+1]
		t := segmentParam(a, b, p)
		q := lerp(a, b, t)
		d := HaversineM(p, q)
		if d < best.DistanceM {
			best = Projection{
				Fraction:  pl.fractionAt(i, t),
				Point:     q,
				Segment:   i,
				DistanceM: d,
			}
		}
	}
	if math.IsInf(best.DistanceM, 1) {
		return Projection{}
	}
	return best
}

// PointAt evaluates the polyline at fraction f of its arc length.
func (pl Polyline) PointAt(f float64) types.Point {
	if len(pl.points) == 0 {
		return types.Point{}
	}
	f = clamp01(f)
	total := pl.Length()
	if total == 0 || f == 0 {
		return pl.points[0]
	}
	target := f * total
	idx := sort.SearchFloat64s(pl.cum, target)
	if idx >= len(pl.cum) {
		return pl.points[len(pl.points)-1]
	}
	if idx == 0 {
		return pl.points[0]
	}
	segLen := pl.cum[idx] - pl.cum[idx-1]
	if segLen <= 0 {
		return pl.points[idx]
	}
	t := (target - pl.cum[idx-1]) / segLen
	return lerp(pl.points[idx-1], pl.points[idx], clamp01(t))
}

// Subpath extracts the part of the polyline between two fractions. The
// arguments are order-insensitive. The result always has at least two
// points; equal fractions yield a zero-length polyline.
func (pl Polyline) Subpath(f0, f1 float64) Polyline {
	if f0 > f1 {
		f0, f1 = f1, f0
	}
	f0, f1 = clamp01(f0), clamp01(f1)

	out := []types.Point{pl.PointAt(f0)}
	if total := pl.Length(); total > 0 && f1 > f0 {
		lo, hi := f0*total, f1*total
		for i := 1; i+1 < len(pl.points); i++ {
			if pl.cum[i] > lo && pl.cum[i] < hi {
				out = append(out, pl.points[i])
			}
		}
	}
	out = append(out, pl.PointAt(f1))
	return build(out)
}

func (pl Polyline) fractionAt(seg int, t float64) float64 {
	total := pl.Length()
	if total == 0 {
		return 0
	}
	pos := pl.cum[seg] + t*(pl.cum[seg+1]-pl.cum[seg])
	return clamp01(pos / total)
}

// Length sums the geodesic length of consecutive points, in meters.
func Length(points []types.Point) float64 {
	var sum float64
	for i := 1; i < len(points); i++ {
		sum += HaversineM(points[i-1], points[i])
	}
	return sum
}

// HaversineM returns the great-circle distance in meters between two points.
func HaversineM(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)
	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	if h > 1 {
		h = 1
	}
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// segmentParam returns the clamped parameter t of the perpendicular foot of p
// on segment ab. Longitudes are scaled by cos(mean latitude) so the plane is
// locally isotropic.
func segmentParam(a, b, p types.Point) float64 {
	k := math.Cos(degreesToRadians((a.Lat + b.Lat) / 2))
	dx := (b.Lng - a.Lng) * k
	dy := b.Lat - a.Lat
	den := dx*dx + dy*dy
	if den < degenerateEps {
		return 0
	}
	t := ((p.Lng-a.Lng)*k*dx + (p.Lat-a.Lat)*dy) / den
	return clamp01(t)
}

func lerp(a, b types.Point, t float64) types.Point {
	return types.Point{
		Lng: a.Lng + (b.Lng-a.Lng)*t,
		Lat: a.Lat + (b.Lat-a.Lat)*t,
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
