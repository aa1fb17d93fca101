package cloudroute

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"routerctl/internal/metadata"
)

// Route is a cloud route object scoped to (project, network). Exactly one of
// NextHopInstance and NextHopIP is set: instance references are rejected
// across projects, so routes in the core project use the literal NIC0 IP.
type Route struct {
	Name            string
	Network         string
	DestRange       string
	Description     string
	NextHopInstance string
	NextHopIP       string
	Priority        int64
}

// API is the slice of the cloud routes service the manager needs.
type API interface {
	ListNames(ctx context.Context, project, prefix string) ([]string, error)
	Insert(ctx context.Context, project string, route Route) error
	Delete(ctx context.Context, project, name string) error
}

// Spec binds the configured networks to one programming run.
type Spec struct {
	CoreProject string
	CoreNetwork string
	CoreCIDRs   []string
	AppProject  string
	AppNetwork  string
	AppCIDRs    []string
	Priority    int64
}

// Manager prunes stale routes and programs fresh ones. API calls within one
// phase run concurrently up to Limit, and the first failure cancels the rest.
type Manager struct {
	API   API
	Limit int
	Log   *logrus.Logger
}

func New(api API, limit int, log *logrus.Logger) *Manager {
	if limit <= 0 {
		limit = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{API: api, Limit: limit, Log: log}
}

// PruneStale deletes routes left behind by earlier incarnations of this
// instance in both projects. A dead next hop black-holes traffic, so this
// runs before new routes are installed.
func (m *Manager) PruneStale(ctx context.Context, inst metadata.Instance, projects ...string) error {
	type target struct{ project, name string }
	var targets []target
	for _, project := range projects {
		names, err := m.API.ListNames(ctx, project, inst.RoutePrefix())
		if err != nil {
			return fmt.Errorf("list routes in %s: %w", project, err)
		}
		for _, name := range Stale(names, inst) {
			targets = append(targets, target{project, name})
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.Limit)
	for _, tg := range targets {
		tg := tg
		m.Log.WithFields(logrus.Fields{"project": tg.project, "route": tg.name}).Info("deleting stale route")
		g.Go(func() error {
			if err := m.API.Delete(ctx, tg.project, tg.name); err != nil {
				return fmt.Errorf("delete %s in %s: %w", tg.name, tg.project, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stale filters names down to routes from a replaced incarnation: same
// instance name, different instance id.
func Stale(names []string, inst metadata.Instance) []string {
	var out []string
	for _, name := range names {
		if !strings.HasPrefix(name, inst.RoutePrefix()) {
			continue
		}
		if strings.HasPrefix(name, inst.OwnedPrefix()) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Program creates the two route sets: core destinations into the app network
// with this instance as next hop, then app destinations into the core network
// with NIC0's address as next hop. Each direction is issued concurrently and
// awaited before the next begins.
func (m *Manager) Program(ctx context.Context, inst metadata.Instance, nic0 metadata.NIC, spec Spec) error {
	toApp := make([]Route, 0, len(spec.CoreCIDRs))
	for i, cidr := range spec.CoreCIDRs {
		toApp = append(toApp, Route{
			Name:            inst.RouteName(i),
			Network:         NetworkLink(spec.AppProject, spec.AppNetwork),
			DestRange:       cidr,
			Description:     describe(inst, i),
			NextHopInstance: inst.SelfLink(spec.AppProject),
			Priority:        spec.Priority,
		})
	}
	if err := m.insertAll(ctx, spec.AppProject, toApp); err != nil {
		return err
	}

	toCore := make([]Route, 0, len(spec.AppCIDRs))
	for i, cidr := range spec.AppCIDRs {
		toCore = append(toCore, Route{
			Name:        inst.RouteName(i),
			Network:     NetworkLink(spec.CoreProject, spec.CoreNetwork),
			DestRange:   cidr,
			Description: describe(inst, i),
			NextHopIP:   nic0.IP,
			Priority:    spec.Priority,
		})
	}
	return m.insertAll(ctx, spec.CoreProject, toCore)
}

func (m *Manager) insertAll(ctx context.Context, project string, routes []Route) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.Limit)
	for _, route := range routes {
		route := route
		m.Log.WithFields(logrus.Fields{
			"project": project,
			"route":   route.Name,
			"dest":    route.DestRange,
		}).Info("creating route")
		g.Go(func() error {
			if err := m.API.Insert(ctx, project, route); err != nil {
				return fmt.Errorf("insert %s in %s: %w", route.Name, project, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// NetworkLink builds the partial URL the routes API expects for a network.
func NetworkLink(project, network string) string {
	return fmt.Sprintf("projects/%s/global/networks/%s", project, network)
}

func describe(inst metadata.Instance, index int) string {
	return fmt.Sprintf("routerctl route %d for instance %s (id %s)", index, inst.Name, inst.ID)
}
