package verdict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration_Literal(t *testing.T) {
	v, err := ParseDuration("3h59m58s")
	require.NoError(t, err)
	assert.Equal(t, int64(14398), v)

	v, err = ParseDuration("-1h0m0s")
	require.NoError(t, err)
	assert.Equal(t, int64(-3600), v)
}

func TestParseDuration_MillisecondMarkerRequiresFraction(t *testing.T) {
	_, err := ParseDuration("500ms")
	require.Error(t, err)

	v, err := ParseDuration("500.0ms")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestParseDuration_MinutesWithoutHoursOK(t *testing.T) {
	v, err := ParseDuration("5m30s")
	require.NoError(t, err)
	assert.Equal(t, int64(330), v)
}

func TestParseDuration_HoursWithoutMinutesRejected(t *testing.T) {
	_, err := ParseDuration("1h30s")
	require.Error(t, err)
}

func TestParseDuration_PlainSeconds(t *testing.T) {
	v, err := ParseDuration("60s")
	require.NoError(t, err)
	assert.Equal(t, int64(60), v)
}

func TestParseDuration_Garbage(t *testing.T) {
	_, err := ParseDuration("not-a-duration")
	require.Error(t, err)
}
