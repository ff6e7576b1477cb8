package testing

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"testctx/internal/mode"
	"testctx/pkg/logging"

	"gopkg.in/yaml.v3"
)

// DefaultScenarioPath is where scenarios are looked up when no path is given.
const DefaultScenarioPath = ".testctx/scenarios"

// GetDefaultScenarioPath returns the scenario directory of the project in
// the working directory.
func GetDefaultScenarioPath() string {
	return DefaultScenarioPath
}

// scenarioLoader implements TestScenarioLoader on YAML files.
type scenarioLoader struct {
	debug bool
}

// NewTestScenarioLoader creates a loader reading YAML scenario files.
func NewTestScenarioLoader(debug bool) TestScenarioLoader {
	return &scenarioLoader{debug: debug}
}

// LoadScenarios reads a scenario file or every .yaml/.yml file below a
// directory. A file may hold several scenarios as separate YAML documents.
func (l *scenarioLoader) LoadScenarios(configPath string) ([]TestScenario, error) {
	if configPath == "" {
		configPath = GetDefaultScenarioPath()
	}
	info, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenarios: %w", err)
	}

	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(configPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isYAML(p) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", configPath, err)
		}
		sort.Strings(files)
	} else {
		files = []string{configPath}
	}

	var scenarios []TestScenario
	seen := make(map[string]string)
	for _, file := range files {
		loaded, err := l.loadFile(file)
		if err != nil {
			return nil, err
		}
		for _, s := range loaded {
			if prev, dup := seen[s.Name]; dup {
				return nil, fmt.Errorf("scenario %q is defined in both %s and %s", s.Name, prev, file)
			}
			seen[s.Name] = file
			scenarios = append(scenarios, s)
		}
	}

	if l.debug {
		logging.Debug(subsystem, "Loaded %d scenarios from %d files under %s", len(scenarios), len(files), configPath)
	}
	return scenarios, nil
}

func (l *scenarioLoader) loadFile(file string) ([]TestScenario, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario file: %w", err)
	}
	defer f.Close()

	var out []TestScenario
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	for {
		var s TestScenario
		err := dec.Decode(&s)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		s.Source = file
		if err := ValidateScenario(s); err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ValidateScenario checks a scenario definition before it is run.
func ValidateScenario(s TestScenario) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("scenario has no name")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario %q has no steps", s.Name)
	}

	var modeTags []string
	for _, tag := range s.Tags {
		if mode.IsTag(strings.TrimPrefix(tag, "@")) {
			modeTags = append(modeTags, tag)
		}
	}
	if len(modeTags) > 1 && !containsMode(modeTags, mode.Dual) {
		return fmt.Errorf("scenario %q has conflicting mode tags: %s", s.Name, strings.Join(modeTags, ", "))
	}

	steps := append(append([]TestStep(nil), s.Steps...), s.Cleanup...)
	for i, step := range steps {
		if step.Name == "" {
			return fmt.Errorf("scenario %q: step %d has no name", s.Name, i+1)
		}
		if !IsKnownAction(step.Action) {
			return fmt.Errorf("scenario %q: step %q has unknown action %q (known: %s)", s.Name, step.Name, step.Action, strings.Join(Actions(), ", "))
		}
	}
	return nil
}

func containsMode(tags []string, m mode.TestMode) bool {
	for _, tag := range tags {
		if strings.TrimPrefix(tag, "@") == string(m) {
			return true
		}
	}
	return false
}

// FilterScenarios keeps scenarios matching the name pattern and, when tags
// are given, carrying at least one of them.
func (l *scenarioLoader) FilterScenarios(scenarios []TestScenario, config TestConfiguration) []TestScenario {
	var out []TestScenario
	for _, s := range scenarios {
		if config.Scenario != "" && !matchName(config.Scenario, s.Name) {
			continue
		}
		if len(config.Tags) > 0 && !hasAnyTag(s.Tags, config.Tags) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func matchName(pattern, name string) bool {
	if pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

func hasAnyTag(tags, wanted []string) bool {
	for _, t := range tags {
		t = strings.TrimPrefix(t, "@")
		for _, w := range wanted {
			if t == strings.TrimPrefix(w, "@") {
				return true
			}
		}
	}
	return false
}

func isYAML(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	return ext == ".yaml" || ext == ".yml"
}
