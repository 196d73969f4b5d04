package cache

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuance/internal/core/features"
)

var flagColumns = []string{"flag_name", "description", "is_enabled", "valid_from", "valid_until"}

func TestFlagCacheLoadAndFallback(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	var none *time.Time

	mock.ExpectQuery(`FROM issuance_feature_flags`).
		WillReturnRows(pgxmock.NewRows(flagColumns).
			AddRow(features.FlagAuthorityTransmission, "send licences", false, none, none).
			AddRow("scheduled", "", true, &future, none).
			AddRow("expired", "", true, none, &past).
			AddRow("windowed", "", true, &past, &future))

	fallback := features.NewInMemoryFlags()
	fallback.SetFlag(features.FlagAuthorityTransmission, true)
	fallback.SetFlag("from_env", true)

	c := &FlagCache{q: mock, fallback: fallback, now: func() time.Time { return now }, flags: map[string]FeatureFlag{}}
	require.NoError(t, c.load(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 4, c.Len())

	ctx := context.Background()
	// The table wins over configuration.
	assert.False(t, c.IsEnabled(ctx, features.FlagAuthorityTransmission))
	assert.False(t, c.IsEnabled(ctx, "scheduled"))
	assert.False(t, c.IsEnabled(ctx, "expired"))
	assert.True(t, c.IsEnabled(ctx, "windowed"))
	assert.True(t, c.IsEnabled(ctx, "from_env"))
	assert.False(t, c.IsEnabled(ctx, "unknown"))
}

func TestFlagCacheLoadError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM issuance_feature_flags`).WillReturnError(assert.AnError)

	c := &FlagCache{q: mock, now: time.Now, flags: map[string]FeatureFlag{"kept": {Name: "kept", IsEnabled: true}}}
	require.ErrorIs(t, c.load(context.Background()), assert.AnError)
	// A failed reload keeps the previous flags.
	assert.True(t, c.IsEnabled(context.Background(), "kept"))
}
