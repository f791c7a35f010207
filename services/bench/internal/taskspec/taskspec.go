// Package taskspec loads benchmark task definitions. A task is a directory
// containing a spec.yaml that names the prompt file, the terraform input
// variables, and the post-apply checks.
package taskspec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// SpecFileName is the file every task directory must contain.
const SpecFileName = "spec.yaml"

// CheckDef declares one post-apply assertion against the emulator.
type CheckDef struct {
	ID        string `yaml:"id"`
	Resource  string `yaml:"resource"`
	Lookup    string `yaml:"lookup"`
	Count     *int   `yaml:"count,omitempty"`
	Attribute string `yaml:"attribute,omitempty"`
	Equals    string `yaml:"equals,omitempty"`
	Exists    *bool  `yaml:"exists,omitempty"`
}

// MustExist reports whether the check requires the resource to exist.
// Absent means true.
func (c CheckDef) MustExist() bool {
	return c.Exists == nil || *c.Exists
}

// Spec is one immutable task definition.
type Spec struct {
	ID                string         `yaml:"id"`
	PromptFile        string         `yaml:"prompt_file"`
	Vars              map[string]any `yaml:"vars,omitempty"`
	Checks            []CheckDef     `yaml:"checks,omitempty"`
	ExpectedResources int            `yaml:"expected_resources,omitempty"`

	// Dir is the task directory the spec was loaded from, not part of the YAML.
	Dir string `yaml:"-"`
}

// Load reads and validates the spec.yaml in the given task directory.
func Load(dir string) (Spec, error) {
	path := filepath.Join(dir, SpecFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read task spec: %w", err)
	}

	var spec Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return Spec{}, fmt.Errorf("parse %s: %w", path, err)
	}
	spec.Dir = dir

	if spec.ID == "" {
		spec.ID = filepath.Base(dir)
	}
	if spec.PromptFile == "" {
		return Spec{}, fmt.Errorf("%s: prompt_file is required", path)
	}
	if _, err := os.Stat(spec.PromptPath()); err != nil {
		return Spec{}, fmt.Errorf("%s: prompt file: %w", path, err)
	}

	seen := make(map[string]struct{}, len(spec.Checks))
	for i, check := range spec.Checks {
		if check.ID == "" {
			return Spec{}, fmt.Errorf("%s: check %d has no id", path, i)
		}
		if _, dup := seen[check.ID]; dup {
			return Spec{}, fmt.Errorf("%s: duplicate check id %q", path, check.ID)
		}
		seen[check.ID] = struct{}{}
		if check.Resource == "" {
			return Spec{}, fmt.Errorf("%s: check %q has no resource", path, check.ID)
		}
	}

	return spec, nil
}

// Discover walks a tasks directory and loads every subdirectory holding a
// spec.yaml, sorted by task id.
func Discover(root string) ([]Spec, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read tasks dir: %w", err)
	}

	var specs []Spec
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, SpecFileName)); err != nil {
			continue
		}
		spec, err := Load(dir)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs, nil
}

// PromptPath returns the absolute-ish path of the task's prompt file.
func (s Spec) PromptPath() string {
	return filepath.Join(s.Dir, s.PromptFile)
}

// VarArgs renders the task variables as terraform -var arguments in sorted
// key order. Scalar values pass through as-is; lists and maps are encoded as
// JSON so terraform parses them as HCL collections.
func (s Spec) VarArgs() ([]string, error) {
	if len(s.Vars) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(s.Vars))
	for k := range s.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		rendered, err := renderVar(s.Vars[k])
		if err != nil {
			return nil, fmt.Errorf("render var %q: %w", k, err)
		}
		args = append(args, "-var", fmt.Sprintf("%s=%s", k, rendered))
	}
	return args, nil
}

func renderVar(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return fmt.Sprintf("%t", val), nil
	case int:
		return fmt.Sprintf("%d", val), nil
	case int64:
		return fmt.Sprintf("%d", val), nil
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val)), nil
		}
		return fmt.Sprintf("%g", val), nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
