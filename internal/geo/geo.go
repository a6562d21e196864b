// Package geo provides the spatial predicates used across the pipeline:
// geodesic distance, bounding boxes for SQL prefilters, and the grid
// clustering that backs zoomed-out live-map views.
package geo

import (
	"math"
	"sort"

	"github.com/tmt/backend/internal/domain"
)

const earthRadiusM = 6371000.0

// DistanceM returns the haversine distance in meters between two points.
func DistanceM(a, b domain.Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// WithinM reports whether b is within radiusM meters of a, inclusive.
func WithinM(a, b domain.Location, radiusM float64) bool {
	return DistanceM(a, b) <= radiusM
}

// BoundingBox is a lat/lon rectangle used as a cheap SQL prefilter before
// the exact haversine check.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// BoxAround returns a bounding box that fully contains the circle of
// radiusM meters around center. Longitude span widens toward the poles.
func BoxAround(center domain.Location, radiusM float64) BoundingBox {
	dLat := radiusM / 111320.0
	cos := math.Cos(center.Latitude * math.Pi / 180)
	if cos < 0.01 {
		cos = 0.01
	}
	dLon := radiusM / (111320.0 * cos)
	return BoundingBox{
		MinLat: center.Latitude - dLat,
		MaxLat: center.Latitude + dLat,
		MinLon: center.Longitude - dLon,
		MaxLon: center.Longitude + dLon,
	}
}

// SquareBox returns the fixed-degree square around center used by the
// verification loop's related-SOS lookup (0.03 degrees per side half-width).
func SquareBox(center domain.Location, degrees float64) BoundingBox {
	return BoundingBox{
		MinLat: center.Latitude - degrees,
		MaxLat: center.Latitude + degrees,
		MinLon: center.Longitude - degrees,
		MaxLon: center.Longitude + degrees,
	}
}

// Contains reports whether the box contains the point.
func (b BoundingBox) Contains(p domain.Location) bool {
	return p.Latitude >= b.MinLat && p.Latitude <= b.MaxLat &&
		p.Longitude >= b.MinLon && p.Longitude <= b.MaxLon
}

// ============================================================================
// GRID CLUSTERING
// ============================================================================

// Cluster is one grid bucket of geo events for zoomed-out map views.
type Cluster struct {
	CellLat     int                `json:"cell_lat"`
	CellLon     int                `json:"cell_lon"`
	Centroid    domain.Location    `json:"centroid"`
	Count       int                `json:"count"`
	MaxSeverity int                `json:"max_severity"`
	AvgSeverity float64            `json:"avg_severity"`
	EventIDs    []string           `json:"event_ids"`
	Layers      []domain.GeoLayer  `json:"layers"`
	Bounds      BoundingBox        `json:"bounds"`
}

// maxClusterIDs caps the per-cluster member id list.
const maxClusterIDs = 50

// ClusterEvents buckets events into a deterministic degree grid. Each event
// maps to cell (floor(lat/p), floor(lon/p)); clusters are sorted by count
// descending, ties broken by cell coordinates for determinism.
func ClusterEvents(events []domain.GeoEvent, precisionDeg float64) []Cluster {
	if precisionDeg <= 0 {
		precisionDeg = 0.01
	}

	type key struct{ lat, lon int }
	buckets := make(map[key]*Cluster)

	for _, ev := range events {
		k := key{
			lat: int(math.Floor(ev.Location.Latitude / precisionDeg)),
			lon: int(math.Floor(ev.Location.Longitude / precisionDeg)),
		}
		c, ok := buckets[k]
		if !ok {
			c = &Cluster{
				CellLat:     k.lat,
				CellLon:     k.lon,
				MaxSeverity: ev.Severity,
				Bounds: BoundingBox{
					MinLat: ev.Location.Latitude, MaxLat: ev.Location.Latitude,
					MinLon: ev.Location.Longitude, MaxLon: ev.Location.Longitude,
				},
			}
			buckets[k] = c
		}

		c.Count++
		c.Centroid.Latitude += ev.Location.Latitude
		c.Centroid.Longitude += ev.Location.Longitude
		c.AvgSeverity += float64(ev.Severity)
		if ev.Severity > c.MaxSeverity {
			c.MaxSeverity = ev.Severity
		}
		if len(c.EventIDs) < maxClusterIDs {
			c.EventIDs = append(c.EventIDs, ev.ID)
		}
		if !containsLayer(c.Layers, ev.Layer) {
			c.Layers = append(c.Layers, ev.Layer)
		}
		c.Bounds.MinLat = math.Min(c.Bounds.MinLat, ev.Location.Latitude)
		c.Bounds.MaxLat = math.Max(c.Bounds.MaxLat, ev.Location.Latitude)
		c.Bounds.MinLon = math.Min(c.Bounds.MinLon, ev.Location.Longitude)
		c.Bounds.MaxLon = math.Max(c.Bounds.MaxLon, ev.Location.Longitude)
	}

	out := make([]Cluster, 0, len(buckets))
	for _, c := range buckets {
		c.Centroid.Latitude /= float64(c.Count)
		c.Centroid.Longitude /= float64(c.Count)
		c.AvgSeverity /= float64(c.Count)
		out = append(out, *c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].CellLat != out[j].CellLat {
			return out[i].CellLat < out[j].CellLat
		}
		return out[i].CellLon < out[j].CellLon
	})
	return out
}

func containsLayer(layers []domain.GeoLayer, l domain.GeoLayer) bool {
	for _, x := range layers {
		if x == l {
			return true
		}
	}
	return false
}
