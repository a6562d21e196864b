package resolution

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tmt/backend/internal/domain"
)

func TestResolvable(t *testing.T) {
	shifa := &domain.Facility{ID: "f-shifa"}

	cases := []struct {
		name   string
		sos    *domain.SOSRequest
		trust  float64
		want   bool
		reason string
	}{
		{
			name:  "trusted patient away from origin",
			sos:   &domain.SOSRequest{ID: "s-1", OriginFacilityID: "f-other"},
			trust: 0.9,
			want:  true,
		},
		{
			name:  "no origin facility",
			sos:   &domain.SOSRequest{ID: "s-2"},
			trust: 0.5,
			want:  true,
		},
		{
			name:   "trust exactly below threshold",
			sos:    &domain.SOSRequest{ID: "s-3"},
			trust:  0.29,
			want:   false,
			reason: "patient trust below auto-resolve threshold",
		},
		{
			name:  "trust at threshold",
			sos:   &domain.SOSRequest{ID: "s-4"},
			trust: 0.3,
			want:  true,
		},
		{
			name:   "sos raised from the arrival facility",
			sos:    &domain.SOSRequest{ID: "s-5", OriginFacilityID: "f-shifa"},
			trust:  1.0,
			want:   false,
			reason: "sos originated at arrival facility",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			patient := &domain.Patient{ID: "p-1", TrustScore: tc.trust}
			ok, reason := resolvable(tc.sos, shifa, patient)
			assert.Equal(t, tc.want, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}
}
