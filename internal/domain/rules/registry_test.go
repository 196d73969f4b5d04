package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuance/internal/domain/casework"
)

func TestDefaultRegistryCompiles(t *testing.T) {
	r, err := NewRegistry(DefaultApplicationTypes())
	require.NoError(t, err)

	at, ok := r.Get(casework.ProcessFirearmsOIL)
	require.True(t, ok)
	assert.Equal(t, "OIL", at.LicenceType)
}

func TestRequiresCoverLetter(t *testing.T) {
	r, err := NewRegistry(DefaultApplicationTypes())
	require.NoError(t, err)

	tests := []struct {
		name string
		in   Input
		want bool
	}{
		{"sil first issue", Input{ProcessType: casework.ProcessFirearmsSIL}, true},
		{"sil variation", Input{ProcessType: casework.ProcessFirearmsSIL, IsVariation: true}, false},
		{"oil has no rule", Input{ProcessType: casework.ProcessFirearmsOIL}, false},
		{"sanctions electronic with origin", Input{ProcessType: casework.ProcessSanctions, OriginCountry: "IR"}, true},
		{"sanctions paper", Input{ProcessType: casework.ProcessSanctions, PaperLicenceOnly: true, OriginCountry: "IR"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.RequiresCoverLetter(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequiresCoverLetterUnknownType(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	_, err = r.RequiresCoverLetter(Input{ProcessType: casework.ProcessFirearmsSIL})
	assert.Error(t, err)
}

func TestNewRegistryRejectsBadRules(t *testing.T) {
	_, err := NewRegistry([]ApplicationType{{ProcessType: casework.ProcessFirearmsSIL, CoverLetter: "is_variation +"}})
	assert.Error(t, err)

	_, err = NewRegistry([]ApplicationType{{ProcessType: casework.ProcessFirearmsSIL, CoverLetter: "origin_country"}})
	assert.ErrorContains(t, err, "must be bool")

	_, err = NewRegistry([]ApplicationType{{ProcessType: "NOPE"}})
	assert.Error(t, err)
}

func TestDefaultPaperLicenceOnly(t *testing.T) {
	r, err := NewRegistry(DefaultApplicationTypes())
	require.NoError(t, err)

	oil := r.DefaultPaperLicenceOnly(casework.ProcessFirearmsOIL)
	require.NotNil(t, oil)
	assert.False(t, *oil)

	san := r.DefaultPaperLicenceOnly(casework.ProcessSanctions)
	require.NotNil(t, san)
	assert.True(t, *san)

	assert.Nil(t, r.DefaultPaperLicenceOnly(casework.ProcessFirearmsSIL))
	assert.Nil(t, r.DefaultPaperLicenceOnly(casework.ProcessGMP))
}
