package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmt/backend/internal/domain"
)

func TestDistanceM(t *testing.T) {
	gaza := domain.Location{Latitude: 31.5017, Longitude: 34.4668}

	// ~111 km per degree of latitude.
	north := domain.Location{Latitude: 32.5017, Longitude: 34.4668}
	d := DistanceM(gaza, north)
	assert.InDelta(t, 111195, d, 500)

	// Zero distance to self.
	assert.InDelta(t, 0, DistanceM(gaza, gaza), 1e-6)
}

func TestWithinM_InclusiveBoundary(t *testing.T) {
	a := domain.Location{Latitude: 31.5, Longitude: 34.4}
	// ~500m north of a.
	b := domain.Location{Latitude: 31.5 + 500.0/111320.0, Longitude: 34.4}

	d := DistanceM(a, b)
	require.InDelta(t, 500, d, 2)
	assert.True(t, WithinM(a, b, d), "exact radius must be inclusive")
	assert.False(t, WithinM(a, b, d-5))
}

func TestBoxAround_ContainsCircle(t *testing.T) {
	center := domain.Location{Latitude: 31.5, Longitude: 34.4}
	box := BoxAround(center, 1000)

	assert.True(t, box.Contains(center))
	assert.True(t, box.Contains(domain.Location{Latitude: 31.5 + 900.0/111320.0, Longitude: 34.4}))
	assert.False(t, box.Contains(domain.Location{Latitude: 31.6, Longitude: 34.4}))
}

func TestClusterEvents(t *testing.T) {
	events := []domain.GeoEvent{
		{ID: "a", Severity: 2, Layer: domain.LayerSOS, Location: domain.Location{Latitude: 31.501, Longitude: 34.461}},
		{ID: "b", Severity: 4, Layer: domain.LayerCrisis, Location: domain.Location{Latitude: 31.502, Longitude: 34.462}},
		{ID: "c", Severity: 3, Layer: domain.LayerSOS, Location: domain.Location{Latitude: 31.509, Longitude: 34.469}},
		{ID: "d", Severity: 1, Layer: domain.LayerHospital, Location: domain.Location{Latitude: 31.601, Longitude: 34.561}},
	}

	clusters := ClusterEvents(events, 0.01)
	require.Len(t, clusters, 2)

	// Largest first.
	big := clusters[0]
	assert.Equal(t, 3, big.Count)
	assert.Equal(t, 4, big.MaxSeverity)
	assert.InDelta(t, 3.0, big.AvgSeverity, 1e-9)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, big.EventIDs)
	assert.ElementsMatch(t, []domain.GeoLayer{domain.LayerSOS, domain.LayerCrisis}, big.Layers)
	assert.InDelta(t, 31.504, big.Centroid.Latitude, 0.001)

	small := clusters[1]
	assert.Equal(t, 1, small.Count)
	assert.Equal(t, []string{"d"}, small.EventIDs)
}

func TestClusterEvents_Deterministic(t *testing.T) {
	events := []domain.GeoEvent{
		{ID: "a", Severity: 1, Location: domain.Location{Latitude: 1.001, Longitude: 1.001}},
		{ID: "b", Severity: 1, Location: domain.Location{Latitude: 2.001, Longitude: 2.001}},
		{ID: "c", Severity: 1, Location: domain.Location{Latitude: 3.001, Longitude: 3.001}},
	}

	first := ClusterEvents(events, 0.01)
	for i := 0; i < 10; i++ {
		again := ClusterEvents(events, 0.01)
		assert.Equal(t, first, again)
	}
}
