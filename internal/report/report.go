package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	compute "google.golang.org/api/compute/v1"
)

// Group is a zonal instance group manager's stability snapshot.
type Group struct {
	Name       string
	Stable     bool
	TargetSize int64
	Creating   int64
	Deleting   int64
	Restarting int64
}

// API lists instance group managers in one project/zone.
type API interface {
	ListGroups(ctx context.Context, project, zone string) ([]Group, error)
}

// Reporter prints a timestamped stability flag for the group managing this
// router. It is an operational probe, never invoked by the bootstrap.
type Reporter struct {
	API API
	Out io.Writer
	Now func() time.Time
}

func New(api API, out io.Writer) *Reporter {
	return &Reporter{API: api, Out: out, Now: time.Now}
}

// Report resolves the group (by exact name, else by the first name containing
// pattern) and writes one status line.
func (r *Reporter) Report(ctx context.Context, project, zone, name, pattern string) error {
	group, err := r.resolve(ctx, project, zone, name, pattern)
	if err != nil {
		return err
	}
	ts := r.Now().UTC().Format(time.RFC3339)
	if group.Stable {
		fmt.Fprintf(r.Out, "%s group=%s stable=true target=%d\n", ts, group.Name, group.TargetSize)
		return nil
	}
	fmt.Fprintf(r.Out, "%s group=%s stable=false target=%d creating=%d deleting=%d restarting=%d\n",
		ts, group.Name, group.TargetSize, group.Creating, group.Deleting, group.Restarting)
	return nil
}

func (r *Reporter) resolve(ctx context.Context, project, zone, name, pattern string) (Group, error) {
	groups, err := r.API.ListGroups(ctx, project, zone)
	if err != nil {
		return Group{}, fmt.Errorf("list instance groups in %s/%s: %w", project, zone, err)
	}
	if name != "" {
		for _, g := range groups {
			if g.Name == name {
				return g, nil
			}
		}
		return Group{}, fmt.Errorf("instance group %q not found in %s/%s", name, project, zone)
	}
	for _, g := range groups {
		if strings.Contains(g.Name, pattern) {
			return g, nil
		}
	}
	return Group{}, fmt.Errorf("no instance group matching %q in %s/%s", pattern, project, zone)
}

// GCE implements API against the Compute Engine IGM service.
type GCE struct {
	igms *compute.InstanceGroupManagersService
}

func NewGCE(ctx context.Context) (*GCE, error) {
	svc, err := compute.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute service: %w", err)
	}
	return &GCE{igms: svc.InstanceGroupManagers}, nil
}

func (g *GCE) ListGroups(ctx context.Context, project, zone string) ([]Group, error) {
	var out []Group
	err := g.igms.List(project, zone).Pages(ctx, func(page *compute.InstanceGroupManagerList) error {
		for _, igm := range page.Items {
			group := Group{Name: igm.Name, TargetSize: igm.TargetSize}
			if igm.Status != nil {
				group.Stable = igm.Status.IsStable
			}
			if igm.CurrentActions != nil {
				group.Creating = igm.CurrentActions.Creating
				group.Deleting = igm.CurrentActions.Deleting
				group.Restarting = igm.CurrentActions.Restarting
			}
			out = append(out, group)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
