package metadata

import (
	"context"
	"fmt"
	"strings"
	"sync"

	gce "cloud.google.com/go/compute/metadata"
)

// NIC is one network interface as reported by the metadata service.
type NIC struct {
	IP      string
	Gateway string
}

// Instance is the identity a router run operates as. It is read once and
// treated as immutable for the duration of the run.
type Instance struct {
	ID   string
	Name string
	Zone string
	NICs []NIC
}

// SelfLink returns the zonal instance URL used as a route next hop.
// Instance references only work inside the instance's own project.
func (i Instance) SelfLink(project string) string {
	return fmt.Sprintf("https://www.googleapis.com/compute/v1/projects/%s/zones/%s/instances/%s",
		project, i.Zone, i.Name)
}

// RouteName returns the per-CIDR cloud route name for this incarnation.
// Index starts at 0 and increases with the CIDR list position.
func (i Instance) RouteName(index int) string {
	return fmt.Sprintf("%s-%s-%d", i.Name, i.ID, index)
}

// RoutePrefix is the name prefix shared by every incarnation of this
// instance, current or stale.
func (i Instance) RoutePrefix() string {
	return i.Name + "-"
}

// OwnedPrefix is the name prefix of routes belonging to THIS incarnation;
// the pruner must never delete a route carrying it.
func (i Instance) OwnedPrefix() string {
	return fmt.Sprintf("%s-%s-", i.Name, i.ID)
}

// Source yields the instance identity. The bootstrap sequence shares one
// caching source so the metadata service is queried at most once.
type Source interface {
	Instance(ctx context.Context) (Instance, error)
}

// Client reads identity from the GCE metadata service.
type Client struct {
	c *gce.Client

	once sync.Once
	inst Instance
	err  error
}

func NewClient() *Client {
	return &Client{c: gce.NewClient(nil)}
}

func (c *Client) Instance(ctx context.Context) (Instance, error) {
	c.once.Do(func() {
		c.inst, c.err = c.fetch(ctx)
	})
	return c.inst, c.err
}

func (c *Client) fetch(ctx context.Context) (Instance, error) {
	var inst Instance
	var err error
	if inst.ID, err = c.get(ctx, "instance/id"); err != nil {
		return Instance{}, err
	}
	if inst.Name, err = c.get(ctx, "instance/name"); err != nil {
		return Instance{}, err
	}
	zone, err := c.c.ZoneWithContext(ctx)
	if err != nil {
		return Instance{}, fmt.Errorf("metadata zone: %w", err)
	}
	inst.Zone = zone

	list, err := c.get(ctx, "instance/network-interfaces/")
	if err != nil {
		return Instance{}, err
	}
	for _, entry := range strings.Fields(list) {
		idx := strings.TrimSuffix(entry, "/")
		ip, err := c.get(ctx, "instance/network-interfaces/"+idx+"/ip")
		if err != nil {
			return Instance{}, err
		}
		gw, err := c.get(ctx, "instance/network-interfaces/"+idx+"/gateway")
		if err != nil {
			return Instance{}, err
		}
		inst.NICs = append(inst.NICs, NIC{IP: ip, Gateway: gw})
	}
	if len(inst.NICs) == 0 {
		return Instance{}, fmt.Errorf("metadata reported no network interfaces")
	}
	return inst, nil
}

func (c *Client) get(ctx context.Context, suffix string) (string, error) {
	v, err := c.c.GetWithContext(ctx, suffix)
	if err != nil {
		return "", fmt.Errorf("metadata %s: %w", suffix, err)
	}
	return strings.TrimSpace(v), nil
}
