package serviceregistry

import (
	"fmt"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/actormesh/core/pkg/actorid"
	"github.com/actormesh/core/pkg/merrors"
)

// Consul is a Registry backed by a Consul agent, satisfying spec §6's
// register/deregister/resolve/resolveAll/list/heartbeat contract on top of
// Consul's own service-catalog + TTL-check primitives.
type Consul struct {
	client *consulapi.Client
}

// NewConsul builds a Consul-backed Registry from an existing client.
func NewConsul(client *consulapi.Client) *Consul {
	return &Consul{client: client}
}

// NewConsulFromAddr is a convenience constructor for the common case of
// pointing at a single agent address.
func NewConsulFromAddr(addr string) (*Consul, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("serviceregistry: consul client: %w", err)
	}
	return NewConsul(client), nil
}

func serviceID(id actorid.ActorId) string {
	return strings.ReplaceAll(id.String(), "/", "_")
}

func (c *Consul) Register(reg Registration) error {
	asr := &consulapi.AgentServiceRegistration{
		ID:      serviceID(reg.ActorId),
		Name:    reg.ActorId.Id,
		Address: reg.Endpoint.Host,
		Port:    reg.Endpoint.Port,
		Meta:    reg.Metadata,
	}
	if reg.TTL > 0 {
		asr.Check = &consulapi.AgentServiceCheck{
			TTL:                            reg.TTL.String(),
			DeregisterCriticalServiceAfter: (reg.TTL * 10).String(),
		}
	}
	if err := c.client.Agent().ServiceRegister(asr); err != nil {
		return fmt.Errorf("serviceregistry: consul register %s: %w", reg.ActorId, err)
	}
	return nil
}

func (c *Consul) Deregister(id actorid.ActorId) error {
	if err := c.client.Agent().ServiceDeregister(serviceID(id)); err != nil {
		return fmt.Errorf("serviceregistry: consul deregister %s: %w", id, err)
	}
	return nil
}

func (c *Consul) Resolve(id actorid.ActorId) (Endpoint, bool, error) {
	entries, _, err := c.client.Health().Service(id.Id, "", true, nil)
	if err != nil {
		return Endpoint{}, false, fmt.Errorf("serviceregistry: consul resolve %s: %w", id, err)
	}
	if len(entries) == 0 {
		return Endpoint{}, false, nil
	}
	svc := entries[0].Service
	return Endpoint{Host: svc.Address, Port: svc.Port}, true, nil
}

func (c *Consul) ResolveAll(id actorid.ActorId) ([]Endpoint, error) {
	entries, _, err := c.client.Health().Service(id.Id, "", true, nil)
	if err != nil {
		return nil, fmt.Errorf("serviceregistry: consul resolveAll %s: %w", id, err)
	}
	out := make([]Endpoint, 0, len(entries))
	for _, e := range entries {
		out = append(out, Endpoint{Host: e.Service.Address, Port: e.Service.Port})
	}
	return out, nil
}

func (c *Consul) List(prefix string) ([]Registration, error) {
	services, err := c.client.Agent().Services()
	if err != nil {
		return nil, fmt.Errorf("serviceregistry: consul list: %w", err)
	}

	var out []Registration
	for _, svc := range services {
		if prefix != "" && !strings.HasPrefix(svc.Service, prefix) {
			continue
		}
		out = append(out, Registration{
			ActorId:  actorid.ActorId{Id: svc.Service},
			Endpoint: Endpoint{Host: svc.Address, Port: svc.Port},
			Metadata: svc.Meta,
		})
	}
	return out, nil
}

func (c *Consul) Heartbeat(id actorid.ActorId) error {
	checkID := "service:" + serviceID(id)
	if err := c.client.Agent().UpdateTTL(checkID, "", consulapi.HealthPassing); err != nil {
		return merrors.RemoteInvocationFailed(fmt.Sprintf("consul heartbeat %s: %v", id, err))
	}
	return nil
}
