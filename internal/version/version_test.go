package version

import (
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func withVersion(t *testing.T, v string, noColor bool) {
	t.Helper()
	origVersion, origNoColor := Version, color.NoColor
	Version, color.NoColor = v, noColor
	t.Cleanup(func() { Version, color.NoColor = origVersion, origNoColor })
}

func TestColored_PlainWhenColorDisabled(t *testing.T) {
	withVersion(t, "1.2.3-rc.1", true)
	assert.Equal(t, "1.2.3-rc.1", Colored())
}

func TestColored_ColorsEachPart(t *testing.T) {
	withVersion(t, "0.4.2", false)
	got := Colored()
	assert.Contains(t, got, "\x1b[")
	assert.Contains(t, got, "4")
	assert.NotEqual(t, "0.4.2", got)
}

func TestColored_NonSemverPassesThrough(t *testing.T) {
	withVersion(t, "dev", false)
	assert.Equal(t, "dev", Colored())
}

func TestDefaults(t *testing.T) {
	assert.NotEmpty(t, Version)
}
