package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHelpersBeforeInitAreNoops(t *testing.T) {
	if RosterPublishes != nil {
		t.Skip("metrics already initialised")
	}
	assert.NotPanics(t, func() {
		ObserveRoster(3, 1)
		IncSweep()
		AddAlerts("sos", 1)
	})
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(RosterSweeps)
	IncSweep()
	assert.Equal(t, before+1, testutil.ToFloat64(RosterSweeps))

	ObserveRoster(4, 2)
	assert.Equal(t, 4.0, testutil.ToFloat64(EntitiesTracked))
	assert.Equal(t, 2.0, testutil.ToFloat64(EntitiesOnline))

	before = testutil.ToFloat64(AlertsEmitted.WithLabelValues("geofence"))
	AddAlerts("geofence", 2)
	AddAlerts("geofence", 0)
	assert.Equal(t, before+2, testutil.ToFloat64(AlertsEmitted.WithLabelValues("geofence")))
}
