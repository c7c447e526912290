// README: Geographic point shared by the geometry, route and booking modules.
package types

// Point is a WGS84 coordinate. Wire order is [lon, lat].
type Point struct {
	Lng float64
	Lat float64
}

func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// LngLat returns the point as a GeoJSON-style [lon, lat] pair.
func (p Point) LngLat() [2]float64 {
	return [2]float64{p.Lng, p.Lat}
}

func PointFromLngLat(v [2]float64) Point {
	return Point{Lng: v[0], Lat: v[1]}
}
