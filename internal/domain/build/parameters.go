package build

import (
	"sync"
)

// Parameter is a single named string value of a build.
type Parameter struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Parameters is the parameter set of a build. Adding is add-if-absent and
// updating is in place, so a key appears at most once.
//
// Parameters is safe for concurrent use: engine listeners mutate it while
// query paths read it.
type Parameters struct {
	mu     sync.RWMutex
	values []Parameter
}

// NewParameters creates a parameter set. Later duplicates of a name replace earlier ones.
func NewParameters(params ...Parameter) *Parameters {
	p := &Parameters{}
	for _, param := range params {
		p.Set(param.Name, param.Value)
	}
	return p
}

// ParametersFromMap creates a parameter set from a map.
func ParametersFromMap(m map[string]string) *Parameters {
	p := &Parameters{}
	for k, v := range m {
		p.Set(k, v)
	}
	return p
}

func (p *Parameters) index(name string) int {
	for i, param := range p.values {
		if param.Name == name {
			return i
		}
	}
	return -1
}

// Lookup returns the value of name and whether the parameter exists.
func (p *Parameters) Lookup(name string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i := p.index(name); i >= 0 {
		return p.values[i].Value, true
	}
	return "", false
}

// Get returns the value of name, or "" when absent.
func (p *Parameters) Get(name string) string {
	v, _ := p.Lookup(name)
	return v
}

// Has reports whether name exists with a non-empty value.
func (p *Parameters) Has(name string) bool {
	v, ok := p.Lookup(name)
	return ok && v != ""
}

// AddIfAbsent adds name=value unless the name already exists. It reports
// whether the parameter was added.
func (p *Parameters) AddIfAbsent(name, value string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.index(name) >= 0 {
		return false
	}
	p.values = append(p.values, Parameter{Name: name, Value: value})
	return true
}

// Set updates name in place, adding it when absent.
func (p *Parameters) Set(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.index(name); i >= 0 {
		p.values[i].Value = value
		return
	}
	p.values = append(p.values, Parameter{Name: name, Value: value})
}

// Merge returns a copy of p with overrides applied. p is not modified.
func (p *Parameters) Merge(overrides ...Parameter) *Parameters {
	merged := p.Clone()
	for _, o := range overrides {
		merged.Set(o.Name, o.Value)
	}
	return merged
}

// Clone returns an independent copy of p.
func (p *Parameters) Clone() *Parameters {
	p.mu.RLock()
	defer p.mu.RUnlock()
	values := make([]Parameter, len(p.values))
	copy(values, p.values)
	return &Parameters{values: values}
}

// All returns a snapshot of the parameters in insertion order.
func (p *Parameters) All() []Parameter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	values := make([]Parameter, len(p.values))
	copy(values, p.values)
	return values
}

// Map returns a snapshot of the parameters as a map.
func (p *Parameters) Map() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m := make(map[string]string, len(p.values))
	for _, param := range p.values {
		m[param.Name] = param.Value
	}
	return m
}

// Len returns the number of parameters.
func (p *Parameters) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.values)
}
