// Package checks verifies applied infrastructure against the cloud emulator.
// Each check definition names a resource, a way to find it (terraform output
// or tag filter), and an expectation: existence, a count, or an attribute
// value. Every check runs even after a failure so the record shows all of
// them; the stage verdict is the conjunction.
package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"tfbench/services/bench/internal/taskspec"
)

// ObservedNotFound marks a lookup that located no resource. It is distinct
// from an attribute mismatch: the resource is missing, not wrong.
const ObservedNotFound = "resource not found"

// TagKey is the tag every benchmark task asks the model to put on resources,
// so tag lookups can find them without terraform outputs.
const TagKey = "Task"

// Result is the outcome of one check.
type Result struct {
	CheckID  string `json:"check_id"`
	Resource string `json:"resource"`
	Pass     bool   `json:"pass"`
	Expected string `json:"expected"`
	Observed string `json:"observed"`
	Detail   string `json:"detail,omitempty"`
}

// Outputs is a parsed `terraform output -json` document.
type Outputs map[string]outputValue

type outputValue struct {
	Value any `json:"value"`
}

// LoadOutputs reads outputs.json from an applied work dir. A missing file
// yields empty outputs: output lookups then report not found rather than
// erroring the whole stage.
func LoadOutputs(path string) (Outputs, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Outputs{}, nil
		}
		return nil, fmt.Errorf("read outputs: %w", err)
	}

	var outputs Outputs
	if err := json.Unmarshal(raw, &outputs); err != nil {
		return nil, fmt.Errorf("parse outputs: %w", err)
	}
	return outputs, nil
}

// Value returns the named output rendered as a string.
func (o Outputs) Value(name string) (string, bool) {
	v, ok := o[name]
	if !ok {
		return "", false
	}
	switch val := v.Value.(type) {
	case string:
		return val, true
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10), true
		}
		return strconv.FormatFloat(val, 'g', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}

// target is a resolved check lookup.
type target struct {
	// id is set for output lookups: the resource id or name from outputs.json.
	id string
	// tag is set for tag lookups: the expected value of the Task tag.
	tag string
}

// observation is what a prober saw in the emulator.
type observation struct {
	found bool
	count int
	attrs map[string]string
}

// Checker runs check definitions against emulator clients.
type Checker struct {
	EC2 EC2API
	S3  S3API
	IAM IAMAPI
	Log *log.Logger
}

// Run evaluates every check and returns one Result per definition, in order.
func (c *Checker) Run(ctx context.Context, defs []taskspec.CheckDef, outputs Outputs) []Result {
	results := make([]Result, 0, len(defs))
	for _, def := range defs {
		res := c.runOne(ctx, def, outputs)
		if c.Log != nil && !res.Pass {
			c.Log.Printf("[WARN] check %s failed: expected %s, observed %s", res.CheckID, res.Expected, res.Observed)
		}
		results = append(results, res)
	}
	return results
}

// FailAll fails every definition with the same detail. Used when the outputs
// needed to resolve lookups cannot be read at all: the record still gets one
// row per check instead of none.
func FailAll(defs []taskspec.CheckDef, detail string) []Result {
	results := make([]Result, 0, len(defs))
	for _, def := range defs {
		results = append(results, Result{
			CheckID:  def.ID,
			Resource: def.Resource,
			Expected: expectation(def),
			Observed: ObservedNotFound,
			Detail:   detail,
		})
	}
	return results
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Pass {
			return false
		}
	}
	return true
}

func (c *Checker) runOne(ctx context.Context, def taskspec.CheckDef, outputs Outputs) Result {
	res := Result{CheckID: def.ID, Resource: def.Resource, Expected: expectation(def)}

	tgt, err := resolveLookup(def, outputs)
	if err != nil {
		res.Observed = ObservedNotFound
		res.Detail = err.Error()
		res.Pass = !def.MustExist()
		return res
	}

	obs, err := c.probe(ctx, def.Resource, tgt)
	if err != nil {
		res.Observed = "probe error"
		res.Detail = err.Error()
		return res
	}

	return evaluate(def, obs, res)
}

func resolveLookup(def taskspec.CheckDef, outputs Outputs) (target, error) {
	switch {
	case strings.HasPrefix(def.Lookup, "output:"):
		name := strings.TrimPrefix(def.Lookup, "output:")
		id, ok := outputs.Value(name)
		if !ok || id == "" {
			return target{}, fmt.Errorf("output %q not present", name)
		}
		return target{id: id}, nil
	case strings.HasPrefix(def.Lookup, "tag:"):
		value := strings.TrimPrefix(def.Lookup, "tag:")
		if value == "" {
			return target{}, fmt.Errorf("check %q: empty tag lookup", def.ID)
		}
		return target{tag: value}, nil
	default:
		return target{}, fmt.Errorf("check %q: unsupported lookup %q", def.ID, def.Lookup)
	}
}

func evaluate(def taskspec.CheckDef, obs observation, res Result) Result {
	if !obs.found {
		res.Observed = ObservedNotFound
		res.Pass = !def.MustExist()
		return res
	}

	if !def.MustExist() {
		res.Observed = "resource exists"
		res.Pass = false
		return res
	}

	if def.Count != nil {
		res.Observed = strconv.Itoa(obs.count)
		res.Pass = obs.count == *def.Count
		return res
	}

	if def.Attribute != "" {
		got, ok := obs.attrs[def.Attribute]
		if !ok {
			res.Observed = "attribute not supported"
			res.Detail = fmt.Sprintf("attribute %q is not probed for %s", def.Attribute, def.Resource)
			return res
		}
		res.Observed = got
		res.Pass = got == def.Equals
		return res
	}

	res.Observed = "resource exists"
	res.Pass = true
	return res
}

func expectation(def taskspec.CheckDef) string {
	switch {
	case def.Count != nil:
		return fmt.Sprintf("count=%d", *def.Count)
	case def.Attribute != "":
		return fmt.Sprintf("%s=%s", def.Attribute, def.Equals)
	case !def.MustExist():
		return "absent"
	default:
		return "exists"
	}
}
