package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vigilops/vigil/internal/models"
)

func TestParseActiveState(t *testing.T) {
	cases := []struct {
		active string
		sub    string
		want   models.ServiceStatus
	}{
		{"active", "running", models.ServiceRunning},
		{"active", "exited", models.ServiceRunning},
		{"inactive", "dead", models.ServiceStopped},
		{"failed", "failed", models.ServiceFailed},
		{"activating", "start", models.ServiceUnknown},
		{"deactivating", "stop", models.ServiceUnknown},
		// A failed sub-state wins when the active state is ambiguous.
		{"activating", "failed", models.ServiceFailed},
		{"", "", models.ServiceUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseActiveState(tc.active, tc.sub),
			"active=%q sub=%q", tc.active, tc.sub)
	}
}
