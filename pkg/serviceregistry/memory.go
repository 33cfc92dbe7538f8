package serviceregistry

import (
	"strings"
	"sync"

	"github.com/actormesh/core/pkg/actorid"
	"github.com/actormesh/core/pkg/merrors"
)

// Memory is an in-memory Registry, useful for single-process deployments
// and tests.
type Memory struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

// NewMemory builds an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{regs: make(map[string]Registration)}
}

func (m *Memory) Register(reg Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[reg.ActorId.String()] = reg
	return nil
}

func (m *Memory) Deregister(id actorid.ActorId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regs, id.String())
	return nil
}

func (m *Memory) Resolve(id actorid.ActorId) (Endpoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.regs[id.String()]
	if !ok {
		return Endpoint{}, false, nil
	}
	return reg.Endpoint, true, nil
}

func (m *Memory) ResolveAll(id actorid.ActorId) ([]Endpoint, error) {
	ep, ok, err := m.Resolve(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []Endpoint{ep}, nil
}

func (m *Memory) List(prefix string) ([]Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Registration
	for k, reg := range m.regs {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			out = append(out, reg)
		}
	}
	return out, nil
}

func (m *Memory) Heartbeat(id actorid.ActorId) error {
	m.mu.RLock()
	_, ok := m.regs[id.String()]
	m.mu.RUnlock()
	if !ok {
		return merrors.ActorNotFound(id.String())
	}
	return nil
}
