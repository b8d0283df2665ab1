package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"histalign/internal/registration"
)

var _ registration.Observer = Observer{}

func TestObserverCounts(t *testing.T) {
	var o Observer
	skipped := testutil.ToFloat64(slidesSkipped.WithLabelValues("rigid"))
	fallbacks := testutil.ToFloat64(deviceFallbacks.WithLabelValues("non-rigid"))

	o.SlideSkipped("run", "rigid", "a", "no matches")
	o.SlideSkipped("run", "rigid", "b", "no matches")
	o.DeviceFallback("run", "non-rigid", "a")

	require.Equal(t, skipped+2, testutil.ToFloat64(slidesSkipped.WithLabelValues("rigid")))
	require.Equal(t, fallbacks+1, testutil.ToFloat64(deviceFallbacks.WithLabelValues("non-rigid")))
}

func TestStageOutcomeLabels(t *testing.T) {
	stageDuration.Reset()
	var o Observer
	o.StageFinished("run", "mask", nil, 0.2)
	o.StageFinished("run", "mask", errors.New("empty"), 0.1)
	o.StageFinished("run", "mask", nil, 0.3)

	require.Equal(t, 2, testutil.CollectAndCount(stageDuration, "histalign_stage_duration_seconds"))
}

func TestRunFinished(t *testing.T) {
	before := testutil.ToFloat64(runsTotal.WithLabelValues("completed"))
	RunFinished("completed")
	require.Equal(t, before+1, testutil.ToFloat64(runsTotal.WithLabelValues("completed")))
}
