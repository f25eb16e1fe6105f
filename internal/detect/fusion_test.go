package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocdev21/l1sentry/internal/config"
)

func testFuser() *Fuser {
	return NewFuser(config.Default().Fusion)
}

func TestFuseWeights(t *testing.T) {
	f := testFuser()

	conf, b := f.Fuse(1, 1, 1)
	assert.InDelta(t, 1.0, conf, 1e-9)
	assert.InDelta(t, 0.4, b.Pattern, 1e-9)
	assert.InDelta(t, 0.3, b.Statistical, 1e-9)
	assert.InDelta(t, 0.3, b.Temporal, 1e-9)

	conf, b = f.Fuse(0.5, 0.5, 0.5)
	assert.InDelta(t, 0.5, conf, 1e-9)
	assert.InDelta(t, conf, b.Total(), 1e-9)

	// Inputs are clamped before weighting.
	conf, _ = f.Fuse(3, -1, 0.5)
	assert.InDelta(t, 0.4+0.15, conf, 1e-9)
}

func TestFuseWithFloorRescalesBreakdown(t *testing.T) {
	f := testFuser()

	conf, b := f.FuseWithFloor(0.2, 0.2, 0.2, 0.7)
	assert.InDelta(t, 0.7, conf, 1e-9)
	assert.InDelta(t, conf, b.Total(), 1e-9)
	// Component proportions survive the rescale.
	assert.InDelta(t, 4.0/3.0, b.Pattern/b.Statistical, 1e-9)

	conf, b = f.FuseWithFloor(0, 0, 0, 0.6)
	assert.Equal(t, 0.6, conf)
	assert.Equal(t, 0.6, b.Pattern)
	assert.Zero(t, b.Statistical)
	assert.Zero(t, b.Temporal)

	// Above the floor nothing changes.
	conf, b = f.FuseWithFloor(1, 1, 1, 0.7)
	assert.InDelta(t, 1.0, conf, 1e-9)
	assert.InDelta(t, 0.4, b.Pattern, 1e-9)
}

func TestReportable(t *testing.T) {
	f := testFuser()
	assert.True(t, f.Reportable(0.5))
	assert.True(t, f.Reportable(0.9))
	assert.False(t, f.Reportable(0.49))
}
