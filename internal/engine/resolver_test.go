package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"cloud-wins", "local-wins", "latest-wins", "manual"} {
		s, err := ParseStrategy(valid)
		require.NoError(t, err)
		assert.Equal(t, Strategy(valid), s)
	}

	_, err := ParseStrategy("newest")
	require.Error(t, err)
	assert.True(t, IsConfiguration(err))
}

func TestResolve_FixedStrategies(t *testing.T) {
	t.Parallel()

	conflict := Conflict{
		Table:       "orders",
		CloudData:   map[string]any{"id": 1, "status": "shipped"},
		CloudMarker: VersionMarker(10),
		LocalData:   map[string]any{"id": 1, "status": "cancelled"},
		LocalMarker: VersionMarker(20),
		Type:        ConflictUpdateUpdate,
	}

	cloudWins, err := NewConflictResolver(StrategyCloudWins)
	require.NoError(t, err)
	res, err := cloudWins.Resolve(conflict)
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, SideCloud, res.Winner)
	assert.Equal(t, conflict.CloudData, res.Data)

	localWins, err := NewConflictResolver(StrategyLocalWins)
	require.NoError(t, err)
	res, err = localWins.Resolve(conflict)
	require.NoError(t, err)
	assert.Equal(t, SideLocal, res.Winner)
	assert.Equal(t, conflict.LocalData, res.Data)
}

func TestResolve_LatestWins(t *testing.T) {
	t.Parallel()

	resolver, err := NewConflictResolver(StrategyLatestWins)
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		cloudMarker Marker
		localMarker Marker
		winner      Side
	}{
		{
			name:        "newer local wins",
			cloudMarker: TimestampMarker(base),
			localMarker: TimestampMarker(base.Add(time.Hour)),
			winner:      SideLocal,
		},
		{
			name:        "newer cloud wins",
			cloudMarker: TimestampMarker(base.Add(time.Hour)),
			localMarker: TimestampMarker(base),
			winner:      SideCloud,
		},
		{
			name:        "exact tie goes to cloud",
			cloudMarker: TimestampMarker(base),
			localMarker: TimestampMarker(base),
			winner:      SideCloud,
		},
		{
			name:        "version counters compare numerically",
			cloudMarker: VersionMarker(7),
			localMarker: VersionMarker(8),
			winner:      SideLocal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			conflict := Conflict{
				Table:       "orders",
				CloudData:   map[string]any{"v": "cloud"},
				CloudMarker: tt.cloudMarker,
				LocalData:   map[string]any{"v": "local"},
				LocalMarker: tt.localMarker,
			}

			res, err := resolver.Resolve(conflict)
			require.NoError(t, err)
			assert.Equal(t, tt.winner, res.Winner)

			// Same inputs, same outcome: resolution is deterministic.
			again, err := resolver.Resolve(conflict)
			require.NoError(t, err)
			assert.Equal(t, res, again)
		})
	}
}

func TestResolve_LatestWinsIncomparableMarkers(t *testing.T) {
	t.Parallel()

	resolver, err := NewConflictResolver(StrategyLatestWins)
	require.NoError(t, err)

	_, err = resolver.Resolve(Conflict{
		Table:       "orders",
		CloudMarker: TimestampMarker(time.Now()),
		LocalMarker: VersionMarker(3),
	})
	require.Error(t, err)
	assert.True(t, IsConfiguration(err))
}

func TestResolve_ManualParks(t *testing.T) {
	t.Parallel()

	resolver, err := NewConflictResolver(StrategyManual)
	require.NoError(t, err)

	res, err := resolver.Resolve(Conflict{Table: "orders"})
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Empty(t, res.Winner)
	assert.Nil(t, res.Data)
}

func TestNewConflictResolver_Unknown(t *testing.T) {
	t.Parallel()

	_, err := NewConflictResolver("coin-flip")
	require.Error(t, err)
	assert.True(t, IsConfiguration(err))
}
