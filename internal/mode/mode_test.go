package mode

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullEnv() Environment {
	return Environment{
		FixtureStoreDir: "/tmp/testctx",
		LiveStore:       "mem://",
		LiveCredentials: "token",
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name          string
		tags          []string
		env           Environment
		wantPrimary   TestMode
		wantFallbacks []TestMode
	}{
		{
			name:        "untagged resolves to isolated",
			env:         fullEnv(),
			wantPrimary: Isolated,
		},
		{
			name:        "isolated tag pins isolated",
			tags:        []string{"smoke", "isolated"},
			env:         fullEnv(),
			wantPrimary: Isolated,
		},
		{
			name:        "production tag pins production without fallback",
			tags:        []string{"@production"},
			env:         fullEnv(),
			wantPrimary: Production,
		},
		{
			name:          "dual prefers production",
			tags:          []string{"dual"},
			env:           fullEnv(),
			wantPrimary:   Production,
			wantFallbacks: []TestMode{Isolated},
		},
		{
			name:          "dual absorbs single mode tags",
			tags:          []string{"dual", "isolated"},
			env:           fullEnv(),
			wantPrimary:   Production,
			wantFallbacks: []TestMode{Isolated},
		},
		{
			name: "override wins over tags",
			tags: []string{"isolated"},
			env: func() Environment {
				e := fullEnv()
				e.Override = Production
				return e
			}(),
			wantPrimary: Production,
		},
		{
			name: "configured default applies to untagged",
			env: func() Environment {
				e := fullEnv()
				e.Default = Dual
				return e
			}(),
			wantPrimary:   Production,
			wantFallbacks: []TestMode{Isolated},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Resolve(tt.tags, tt.env)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrimary, res.Primary)
			assert.Equal(t, tt.wantFallbacks, res.Fallbacks)
			assert.Empty(t, res.Unavailable)
		})
	}
}

func TestResolve_MissingProductionConfigIsResolutionError(t *testing.T) {
	env := fullEnv()
	env.LiveCredentials = ""

	_, err := Resolve([]string{"production"}, env)
	require.Error(t, err)

	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, Production, resErr.Requested)
	assert.Equal(t, []string{EnvLiveToken}, resErr.Missing)
	assert.Contains(t, err.Error(), EnvLiveToken)
}

func TestResolve_MissingIsolatedConfig(t *testing.T) {
	env := fullEnv()
	env.FixtureStoreDir = ""

	_, err := Resolve(nil, env)
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, []string{EnvFixtureStoreDir}, resErr.Missing)
}

func TestResolve_DualWithoutLiveStoreRecordsUnavailable(t *testing.T) {
	env := fullEnv()
	env.LiveStore = ""
	env.LiveCredentials = ""

	res, err := Resolve([]string{"dual"}, env)
	require.NoError(t, err)
	assert.Equal(t, Production, res.Primary)
	assert.Equal(t, []TestMode{Isolated}, res.Fallbacks)
	require.Contains(t, res.Unavailable, Production)
	assert.Contains(t, res.Unavailable[Production], EnvLiveStore)
	assert.Contains(t, res.Unavailable[Production], EnvLiveToken)
}

func TestResolve_ConflictingTags(t *testing.T) {
	_, err := Resolve([]string{"isolated", "production"}, fullEnv())
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Contains(t, err.Error(), "conflicting mode tags: isolated, production")
}

func TestResolve_InvalidOverride(t *testing.T) {
	env := fullEnv()
	env.Override = "staging"
	_, err := Resolve(nil, env)
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
}

func TestResolve_EnvironmentModesAreNormalized(t *testing.T) {
	env := fullEnv()
	env.Override = " PRODUCTION "
	res, err := Resolve([]string{"isolated"}, env)
	require.NoError(t, err)
	assert.Equal(t, Production, res.Requested)
	assert.Equal(t, Production, res.Primary)

	env = fullEnv()
	env.Default = "Dual"
	res, err = Resolve(nil, env)
	require.NoError(t, err)
	assert.Equal(t, Dual, res.Requested)
	assert.Equal(t, []TestMode{Production, Isolated}, res.Candidates())

	env.Default = "staging"
	_, err = Resolve(nil, env)
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Contains(t, err.Error(), "default mode")
}

func TestResolution_Candidates(t *testing.T) {
	res := Resolution{Primary: Production, Fallbacks: []TestMode{Isolated}}
	assert.Equal(t, []TestMode{Production, Isolated}, res.Candidates())
}
