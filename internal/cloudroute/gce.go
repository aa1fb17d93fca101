package cloudroute

import (
	"context"
	"fmt"

	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
)

// GCE implements API against the Compute Engine routes service. Insert and
// Delete block until the global operation finishes, matching the synchronous
// behavior route programming depends on.
type GCE struct {
	routes *compute.RoutesService
	ops    *compute.GlobalOperationsService
}

func NewGCE(ctx context.Context) (*GCE, error) {
	svc, err := compute.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute service: %w", err)
	}
	return &GCE{routes: svc.Routes, ops: svc.GlobalOperations}, nil
}

func (g *GCE) ListNames(ctx context.Context, project, prefix string) ([]string, error) {
	var names []string
	call := g.routes.List(project).
		Filter(fmt.Sprintf("name eq '%s.*'", prefix)).
		Fields("items/name", "nextPageToken")
	err := call.Pages(ctx, func(page *compute.RouteList) error {
		for _, r := range page.Items {
			names = append(names, r.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (g *GCE) Insert(ctx context.Context, project string, route Route) error {
	op, err := g.routes.Insert(project, &compute.Route{
		Name:            route.Name,
		Network:         route.Network,
		DestRange:       route.DestRange,
		Description:     route.Description,
		NextHopInstance: route.NextHopInstance,
		NextHopIp:       route.NextHopIP,
		Priority:        route.Priority,
	}).Context(ctx).Do()
	if err != nil {
		return err
	}
	return g.wait(ctx, project, op)
}

func (g *GCE) Delete(ctx context.Context, project, name string) error {
	op, err := g.routes.Delete(project, name).Context(ctx).Do()
	if isNotFound(err) {
		// Another incarnation or a concurrent rerun already removed it.
		return nil
	}
	if err != nil {
		return err
	}
	return g.wait(ctx, project, op)
}

func (g *GCE) wait(ctx context.Context, project string, op *compute.Operation) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := g.ops.Wait(project, op.Name).Context(ctx).Do()
		if err != nil {
			return err
		}
		if done.Status != "DONE" {
			continue
		}
		if done.Error != nil && len(done.Error.Errors) > 0 {
			e := done.Error.Errors[0]
			return fmt.Errorf("operation %s: %s: %s", op.Name, e.Code, e.Message)
		}
		return nil
	}
}

func isNotFound(err error) bool {
	gerr, ok := err.(*googleapi.Error)
	return ok && gerr.Code == 404
}
