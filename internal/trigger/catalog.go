package trigger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"mirrord/internal/jobpool"
)

var ErrUnknownJob = errors.New("unknown job")

// Factory builds a job from schedule args.
type Factory func(args map[string]any) (jobpool.Job, error)

// Catalog maps the job names used in schedule config to factories.
type Catalog struct {
	mu sync.RWMutex
	m  map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{m: map[string]Factory{}}
}

// Register adds or replaces a factory.
func (c *Catalog) Register(name string, f Factory) {
	c.mu.Lock()
	c.m[name] = f
	c.mu.Unlock()
}

func (c *Catalog) Build(name string, args map[string]any) (jobpool.Job, error) {
	c.mu.RLock()
	f, ok := c.m[name]
	c.mu.RUnlock()
	if !ok || f == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	job, err := f(args)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", name, err)
	}
	return job, nil
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.m))
	for name := range c.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// StringArg reads an optional string arg. A non-string value is an error.
func StringArg(args map[string]any, key, def string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("arg %q: want string, got %T", key, v)
	}
	if s == "" {
		return def, nil
	}
	return s, nil
}
