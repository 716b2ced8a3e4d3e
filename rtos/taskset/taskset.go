// Package taskset loads periodic task sets from YAML, either from a file or
// from the built-in lab sets.
package taskset

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"rtlab/kernel"
	"rtlab/rtos/diaglog"
	"rtlab/rtos/policy"
)

//go:embed sets/*.yaml
var builtin embed.FS

// DefaultBasePriority is used when a set does not name one.
const DefaultBasePriority kernel.Priority = 4

// File is one task set.
type File struct {
	Name         string          `yaml:"name"`
	Description  string          `yaml:"description,omitempty"`
	Policy       string          `yaml:"policy"`
	BasePriority kernel.Priority `yaml:"base_priority"`
	LogCapacity  int             `yaml:"log_capacity"`
	// Horizon is the default run length in ticks; 0 runs until stopped.
	Horizon   kernel.Tick `yaml:"horizon"`
	Resources []Resource  `yaml:"resources,omitempty"`
	Tasks     []Task      `yaml:"tasks"`
}

// Resource is a ceiling mutex shared by tasks.
type Resource struct {
	Name    string          `yaml:"name"`
	Ceiling kernel.Priority `yaml:"ceiling"`
}

// Task is one periodic task.
type Task struct {
	Name     string           `yaml:"name"`
	Budget   kernel.Tick      `yaml:"budget"`
	Period   kernel.Tick      `yaml:"period"`
	Offset   kernel.Tick      `yaml:"offset,omitempty"`
	Priority *kernel.Priority `yaml:"priority,omitempty"`
	Sections []Section        `yaml:"sections,omitempty"`
}

// Section is a critical section inside a task's job.
type Section struct {
	Resource string      `yaml:"resource"`
	After    kernel.Tick `yaml:"after"`
	Until    kernel.Tick `yaml:"until,omitempty"`
	Timeout  kernel.Tick `yaml:"timeout,omitempty"`
}

var (
	ErrNotFound  = errors.New("taskset: not found")
	ErrEmpty     = errors.New("required")
	ErrDuplicate = errors.New("duplicate name")
	ErrRange     = errors.New("out of range")
	ErrUnknown   = errors.New("unknown resource")

	// ErrName rejects names the log records could not carry as one field.
	ErrName = errors.New("name contains whitespace")
)

// ValidationError locates a problem in a task set.
type ValidationError struct {
	Set   string
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("taskset %q: %s: %v", e.Set, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Parse decodes one task set and validates it. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	f := &File{
		Policy:       "rm",
		BasePriority: DefaultBasePriority,
		LogCapacity:  diaglog.DefaultCapacity,
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ValidationError{Field: "document", Err: ErrEmpty}
		}
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads a task set file.
func Load(file string) (*File, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return f, nil
}

// Builtin returns a built-in lab set by name.
func Builtin(name string) (*File, error) {
	data, err := builtin.ReadFile(path.Join("sets", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return Parse(data)
}

// Names lists the built-in sets.
func Names() []string {
	entries, err := builtin.ReadDir("sets")
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(out)
	return out
}

// Resolve loads ref as a built-in name, or as a file path when it names a
// YAML file.
func Resolve(ref string) (*File, error) {
	if strings.HasSuffix(ref, ".yaml") || strings.HasSuffix(ref, ".yml") || strings.ContainsRune(ref, os.PathSeparator) {
		return Load(ref)
	}
	return Builtin(ref)
}

// Validate checks names, ranges and references.
func (f *File) Validate() error {
	fail := func(field string, err error) error {
		return &ValidationError{Set: f.Name, Field: field, Err: err}
	}
	if f.Name == "" {
		return fail("name", ErrEmpty)
	}
	if _, err := policy.Parse(f.Policy); err != nil {
		return fail("policy", err)
	}
	if f.BasePriority > kernel.LowestPriority {
		return fail("base_priority", ErrRange)
	}
	if f.LogCapacity <= 0 {
		return fail("log_capacity", ErrRange)
	}
	if len(f.Tasks) == 0 {
		return fail("tasks", ErrEmpty)
	}

	resources := make(map[string]bool, len(f.Resources))
	ceilings := make(map[kernel.Priority]string, len(f.Resources))
	for i, r := range f.Resources {
		field := fmt.Sprintf("resources[%d]", i)
		switch {
		case r.Name == "":
			return fail(field+".name", ErrEmpty)
		case strings.ContainsFunc(r.Name, unicode.IsSpace):
			return fail(field+".name", fmt.Errorf("%w: %q", ErrName, r.Name))
		case resources[r.Name]:
			return fail(field+".name", fmt.Errorf("%w %q", ErrDuplicate, r.Name))
		case r.Ceiling > kernel.LowestPriority:
			return fail(field+".ceiling", ErrRange)
		case ceilings[r.Ceiling] != "":
			return fail(field+".ceiling", fmt.Errorf("%w: %d already used by %q", ErrDuplicate, r.Ceiling, ceilings[r.Ceiling]))
		}
		resources[r.Name] = true
		ceilings[r.Ceiling] = r.Name
	}

	names := make(map[string]bool, len(f.Tasks))
	for i, t := range f.Tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		switch {
		case t.Name == "":
			return fail(field+".name", ErrEmpty)
		case strings.ContainsFunc(t.Name, unicode.IsSpace):
			return fail(field+".name", fmt.Errorf("%w: %q", ErrName, t.Name))
		case names[t.Name]:
			return fail(field+".name", fmt.Errorf("%w %q", ErrDuplicate, t.Name))
		case t.Period == 0:
			return fail(field+".period", ErrRange)
		case t.Priority != nil && *t.Priority > kernel.LowestPriority:
			return fail(field+".priority", ErrRange)
		}
		names[t.Name] = true
		for j, s := range t.Sections {
			sf := fmt.Sprintf("%s.sections[%d]", field, j)
			switch {
			case !resources[s.Resource]:
				return fail(sf+".resource", fmt.Errorf("%w %q", ErrUnknown, s.Resource))
			case s.After >= t.Budget:
				return fail(sf+".after", ErrRange)
			case s.Until != 0 && s.Until <= s.After:
				return fail(sf+".until", ErrRange)
			}
		}
	}
	return nil
}

// Loads returns the timing of every task, for schedulability analysis.
func (f *File) Loads() []policy.Load {
	out := make([]policy.Load, len(f.Tasks))
	for i, t := range f.Tasks {
		out[i] = policy.Load{Name: t.Name, Budget: t.Budget, Period: t.Period}
	}
	return out
}

// Resource returns the resource with the given name.
func (f *File) Resource(name string) (Resource, bool) {
	for _, r := range f.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return Resource{}, false
}
