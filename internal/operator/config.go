package operator

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for an inconsistent operator registry.
var ErrInvalidConfig = errors.New("operator: invalid config")

// File is the on-disk shape of the operator registry.
type File struct {
	Primary   string       `yaml:"primary"`
	Operators []Descriptor `yaml:"operators"`
}

// LoadFile reads an operator registry from a YAML file. ${VAR} references
// are expanded from the environment before parsing.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read operators file: %w", err)
	}
	return Parse(data)
}

// Parse decodes an operator registry.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse operators file: %w", err)
	}
	if err := Validate(f.Operators, f.Primary); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that operator types are unique and known capabilities are
// used, and that primary, when set, names a configured operator.
func Validate(descs []Descriptor, primary string) error {
	known := make(map[Capability]bool, len(AllCapabilities))
	for _, c := range AllCapabilities {
		known[c] = true
	}

	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		if d.Type == "" {
			return fmt.Errorf("%w: operator with empty type", ErrInvalidConfig)
		}
		if seen[d.Type] {
			return fmt.Errorf("%w: duplicate operator %q", ErrInvalidConfig, d.Type)
		}
		seen[d.Type] = true
		if d.Retry.MaxRetries < 0 {
			return fmt.Errorf("%w: %s: max_retries must be >= 0", ErrInvalidConfig, d.Type)
		}
		for _, f := range d.Features {
			if !known[f] {
				return fmt.Errorf("%w: %s: unknown feature %q", ErrInvalidConfig, d.Type, f)
			}
		}
	}
	if primary != "" && !seen[primary] {
		return fmt.Errorf("%w: primary operator %q is not configured", ErrInvalidConfig, primary)
	}
	return nil
}

// Config is the live operator registry. It is safe for concurrent use and
// may be replaced wholesale at runtime.
type Config struct {
	mu       sync.RWMutex
	byType   map[string]Descriptor
	primary  string
	onChange []func()
}

// NewConfig builds a registry from descriptors.
func NewConfig(descs []Descriptor, primary string) (*Config, error) {
	c := &Config{}
	if err := c.Replace(descs, primary); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace swaps in a new set of descriptors atomically and notifies
// subscribers registered with OnChange.
func (c *Config) Replace(descs []Descriptor, primary string) error {
	if err := Validate(descs, primary); err != nil {
		return err
	}
	next := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		next[d.Type] = d.withDefaults()
	}

	c.mu.Lock()
	c.byType = next
	c.primary = primary
	hooks := append([]func(){}, c.onChange...)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return nil
}

// OnChange registers fn to run after every Replace.
func (c *Config) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// Get returns the descriptor for typ.
func (c *Config) Get(typ string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byType[typ]
	return d, ok
}

// Primary returns the designated fallback operator, which may be empty.
func (c *Config) Primary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primary
}

// All returns every descriptor in preference order.
func (c *Config) All() []Descriptor {
	return c.filter(func(Descriptor) bool { return true })
}

// Enabled returns enabled descriptors in preference order.
func (c *Config) Enabled() []Descriptor {
	return c.filter(func(d Descriptor) bool { return d.Enabled })
}

// Supporting returns enabled descriptors that declare op, in preference
// order: priority ascending, then weight descending, then type.
func (c *Config) Supporting(op Capability) []Descriptor {
	return c.filter(func(d Descriptor) bool { return d.Enabled && d.Supports(op) })
}

func (c *Config) filter(keep func(Descriptor) bool) []Descriptor {
	c.mu.RLock()
	out := make([]Descriptor, 0, len(c.byType))
	for _, d := range c.byType {
		if keep(d) {
			out = append(out, d)
		}
	}
	c.mu.RUnlock()

	sortDescriptors(out)
	return out
}

func sortDescriptors(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Priority != ds[j].Priority {
			return ds[i].Priority < ds[j].Priority
		}
		if ds[i].Weight != ds[j].Weight {
			return ds[i].Weight > ds[j].Weight
		}
		return ds[i].Type < ds[j].Type
	})
}
