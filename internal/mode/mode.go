// Package mode decides which data source a scenario runs against.
//
// Resolution is a pure function of the scenario's tags and the environment
// signals captured at process start. It never touches a store and never
// substitutes one mode for another without recording why.
package mode

import (
	"fmt"
	"sort"
	"strings"
)

// TestMode identifies the data source a scenario targets.
type TestMode string

const (
	// Isolated runs against a disposable fixture-loaded store.
	Isolated TestMode = "isolated"
	// Production runs against marked records in the live store.
	Production TestMode = "production"
	// Dual prefers Production and falls back to Isolated.
	Dual TestMode = "dual"
)

// Parse converts a tag or configuration value into a TestMode.
func Parse(s string) (TestMode, error) {
	switch TestMode(strings.ToLower(strings.TrimSpace(s))) {
	case Isolated:
		return Isolated, nil
	case Production:
		return Production, nil
	case Dual:
		return Dual, nil
	default:
		return "", fmt.Errorf("unknown test mode %q, must be one of: isolated, production, dual", s)
	}
}

// IsTag reports whether tag is one of the mode tags.
func IsTag(tag string) bool {
	_, err := Parse(tag)
	return err == nil
}

// Environment holds the process-wide signals that gate each mode.
// It is captured once at startup.
type Environment struct {
	// Override pins every scenario to this mode when set.
	Override TestMode
	// Default applies to scenarios without a mode tag.
	Default TestMode
	// FixtureStoreDir is where disposable stores are created.
	// Empty means isolated mode has no database to run on.
	FixtureStoreDir string
	// LiveStore is the live-store connection descriptor.
	LiveStore string
	// LiveCredentials are the credentials for the live system.
	LiveCredentials string
}

// Resolution is the outcome of mode resolution for one scenario.
type Resolution struct {
	Primary   TestMode
	Fallbacks []TestMode
	// Unavailable records modes that were requested but cannot initialize
	// because of missing configuration. The context manager reports them
	// as failed attempts instead of calling their provider.
	Unavailable map[TestMode]string
	// Requested is the mode the tags or override asked for.
	Requested TestMode
}

// Candidates returns the primary followed by the fallbacks.
func (r Resolution) Candidates() []TestMode {
	out := make([]TestMode, 0, 1+len(r.Fallbacks))
	out = append(out, r.Primary)
	out = append(out, r.Fallbacks...)
	return out
}

// ResolutionError means no mode can be determined for a scenario.
// The scenario is skipped.
type ResolutionError struct {
	Requested TestMode
	Reason    string
	// Missing lists the absent variables or connections.
	Missing []string
}

func (e *ResolutionError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("cannot resolve test mode %q: %s (missing: %s)", e.Requested, e.Reason, strings.Join(e.Missing, ", "))
	}
	if e.Requested == "" {
		return fmt.Sprintf("cannot resolve test mode: %s", e.Reason)
	}
	return fmt.Sprintf("cannot resolve test mode %q: %s", e.Requested, e.Reason)
}

// Environment variable names reported in resolution errors.
const (
	EnvFixtureStoreDir = "TESTCTX_FIXTURE_DB_DIR"
	EnvLiveStore       = "TESTCTX_LIVE_STORE"
	EnvLiveToken       = "TESTCTX_LIVE_TOKEN"
)

// Resolve determines the primary mode and its fallbacks.
func Resolve(tags []string, env Environment) (Resolution, error) {
	requested, err := requestedMode(tags, env)
	if err != nil {
		return Resolution{}, err
	}

	switch requested {
	case Isolated:
		if missing := env.missing(Isolated); len(missing) > 0 {
			return Resolution{}, &ResolutionError{Requested: Isolated, Reason: "no disposable database configured", Missing: missing}
		}
		return Resolution{Primary: Isolated, Requested: Isolated}, nil

	case Production:
		if missing := env.missing(Production); len(missing) > 0 {
			return Resolution{}, &ResolutionError{Requested: Production, Reason: "live system not configured", Missing: missing}
		}
		return Resolution{Primary: Production, Requested: Production}, nil

	case Dual:
		if missing := env.missing(Isolated); len(missing) > 0 {
			return Resolution{}, &ResolutionError{Requested: Dual, Reason: "dual scenarios need the isolated fallback", Missing: missing}
		}
		res := Resolution{Primary: Production, Fallbacks: []TestMode{Isolated}, Requested: Dual}
		if missing := env.missing(Production); len(missing) > 0 {
			res.Unavailable = map[TestMode]string{
				Production: "missing " + strings.Join(missing, ", "),
			}
		}
		return res, nil
	}

	return Resolution{}, &ResolutionError{Requested: requested, Reason: "unsupported mode"}
}

func requestedMode(tags []string, env Environment) (TestMode, error) {
	if env.Override != "" {
		m, err := Parse(string(env.Override))
		if err != nil {
			return "", &ResolutionError{Reason: err.Error()}
		}
		return m, nil
	}

	seen := map[TestMode]bool{}
	for _, tag := range tags {
		m, err := Parse(strings.TrimPrefix(tag, "@"))
		if err != nil {
			continue
		}
		seen[m] = true
	}

	switch {
	case len(seen) == 0:
		if env.Default != "" {
			m, err := Parse(string(env.Default))
			if err != nil {
				return "", &ResolutionError{Reason: "default mode: " + err.Error()}
			}
			return m, nil
		}
		return Isolated, nil
	case len(seen) == 1:
		for m := range seen {
			return m, nil
		}
	case seen[Dual]:
		// dual already covers both single modes
		return Dual, nil
	}

	names := make([]string, 0, len(seen))
	for m := range seen {
		names = append(names, string(m))
	}
	sort.Strings(names)
	return "", &ResolutionError{Reason: "conflicting mode tags: " + strings.Join(names, ", ")}
}

func (e Environment) missing(m TestMode) []string {
	var missing []string
	switch m {
	case Isolated:
		if strings.TrimSpace(e.FixtureStoreDir) == "" {
			missing = append(missing, EnvFixtureStoreDir)
		}
	case Production:
		if strings.TrimSpace(e.LiveStore) == "" {
			missing = append(missing, EnvLiveStore)
		}
		if strings.TrimSpace(e.LiveCredentials) == "" {
			missing = append(missing, EnvLiveToken)
		}
	}
	return missing
}
