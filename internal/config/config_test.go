package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuance/internal/domain/casework"
	"issuance/internal/domain/rules"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://issuance@localhost/issuance")
	t.Setenv("AUTHORITY_ENABLED", "true")
	t.Setenv("AUTHORITY_BASE_URL", "https://authority.example")
	t.Setenv("AUTHORITY_KEY_ID", "ilb")
	t.Setenv("AUTHORITY_SECRET", "secret")
	t.Setenv("AUTHORITY_TIMEOUT", "5s")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000, http://localhost:5173")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Authority.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Authority.Timeout)
	assert.Equal(t, "/licence", cfg.Authority.LicencePath)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORSOrigins)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, 10*1024, cfg.AuditCompressionThreshold)
}

func TestLoadRequiresAuthorityCredentialsWhenEnabled(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://issuance@localhost/issuance")
	t.Setenv("AUTHORITY_ENABLED", "yes")
	t.Setenv("AUTHORITY_BASE_URL", "")
	_, err := Load()
	require.Error(t, err)
}

func TestParseApplicationTypes(t *testing.T) {
	types, err := ParseApplicationTypes([]byte(`
application_types:
  - process_type: FA-SIL
    name: Specific Individual Import Licence
    licence_type: SIL
    paper_licence: true
    electronic_licence: true
    cover_letter: "!is_variation"
    validity_days: 180
  - process_type: CFS
    name: Certificate of Free Sale
`))
	require.NoError(t, err)
	require.Len(t, types, 2)
	assert.Equal(t, casework.ProcessFirearmsSIL, types[0].ProcessType)
	assert.Equal(t, "!is_variation", types[0].CoverLetter)

	_, err = rules.NewRegistry(types)
	require.NoError(t, err)
}

func TestParseApplicationTypesRejectsUnknownKeys(t *testing.T) {
	_, err := ParseApplicationTypes([]byte("application_types:\n  - process_type: CFS\n    cover_leter: \"true\"\n"))
	require.Error(t, err)

	_, err = ParseApplicationTypes([]byte("application_types: []\n"))
	require.Error(t, err)
}

func TestLoadApplicationTypes(t *testing.T) {
	defaults, err := LoadApplicationTypes("")
	require.NoError(t, err)
	assert.Equal(t, rules.DefaultApplicationTypes(), defaults)

	path := filepath.Join(t.TempDir(), "types.yaml")
	require.NoError(t, os.WriteFile(path, []byte("application_types:\n  - process_type: GMP\n    name: GMP\n"), 0o600))
	types, err := LoadApplicationTypes(path)
	require.NoError(t, err)
	assert.Equal(t, casework.ProcessGMP, types[0].ProcessType)

	_, err = LoadApplicationTypes(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
