package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehrlich-b/trawl/internal/gitlab"
	"github.com/ehrlich-b/trawl/internal/protocol"
)

// discoveryKey is where the raw area list of a discovery run is stored.
const discoveryKey = "discovery"

// glGroup is the slice of a GitLab group the discovery cares about.
type glGroup struct {
	ID       json.Number `json:"id"`
	Name     string      `json:"name"`
	FullPath string      `json:"full_path"`
}

// glProject is the slice of a GitLab project the discovery cares about.
type glProject struct {
	ID                json.Number `json:"id"`
	Name              string      `json:"name"`
	PathWithNamespace string      `json:"path_with_namespace"`
}

// areaRecord is one discovered namespace as persisted to the artifact
// store.
type areaRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FullPath string `json:"full_path"`
	Type     string `json:"type"`
}

// runDiscovery walks the instance's namespaces: all visible groups, each
// group's projects, and the flat project listing, deduplicated by id.
// The resulting area list is persisted locally and announced to the
// control plane in a single jobs_discovered message; the fan-out into
// collection jobs happens there.
func (p *Processor) runDiscovery(ctx context.Context, t *task) (map[string]int, error) {
	client := p.client(t)

	var groups []glGroup
	err := client.FetchAll(ctx, "/api/v4/groups", 1, func(page *gitlab.Page) error {
		for _, item := range page.Items {
			var g glGroup
			if err := json.Unmarshal(item, &g); err != nil {
				p.log.Warn("skipping undecodable group", "job", t.id, "error", err)
				continue
			}
			groups = append(groups, g)
		}
		p.progress(t, &protocol.JobProgress{
			Stage:      protocol.StageDiscovering,
			EntityType: "groups",
			Processed:  len(groups),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	p.rep.Emit(protocol.TypeDiscovery, t.id, &protocol.Discovery{
		Stage:       "groups",
		GroupsFound: len(groups),
	})

	projects := make(map[string]glProject)
	var projectOrder []string
	collect := func(item json.RawMessage) {
		var pr glProject
		if err := json.Unmarshal(item, &pr); err != nil {
			p.log.Warn("skipping undecodable project", "job", t.id, "error", err)
			return
		}
		id := pr.ID.String()
		if _, seen := projects[id]; seen {
			return
		}
		projects[id] = pr
		projectOrder = append(projectOrder, id)
	}

	for _, g := range groups {
		endpoint := fmt.Sprintf("/api/v4/groups/%s/projects", g.ID.String())
		err := client.FetchAll(ctx, endpoint, 1, func(page *gitlab.Page) error {
			for _, item := range page.Items {
				collect(item)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("list projects of group %s: %w", g.FullPath, err)
		}
	}

	err = client.FetchAll(ctx, "/api/v4/projects", 1, func(page *gitlab.Page) error {
		for _, item := range page.Items {
			collect(item)
		}
		p.progress(t, &protocol.JobProgress{
			Stage:      protocol.StageDiscovering,
			EntityType: "projects",
			Processed:  len(projects),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}

	p.rep.Emit(protocol.TypeDiscovery, t.id, &protocol.Discovery{
		Stage:         "projects",
		GroupsFound:   len(groups),
		ProjectsFound: len(projects),
	})

	// Persist the raw area list before announcing it, so a lost
	// jobs_discovered message can be reconstructed from disk.
	var areaItems []json.RawMessage
	discovered := make([]protocol.DiscoveredJob, 0, len(groups)+len(projects))
	for _, g := range groups {
		id := g.ID.String()
		if id == "" || g.Name == "" || g.FullPath == "" {
			continue
		}
		rec, _ := json.Marshal(areaRecord{ID: id, Name: g.Name, FullPath: g.FullPath, Type: "group"})
		areaItems = append(areaItems, rec)
		discovered = append(discovered, protocol.DiscoveredJob{
			JobType:       protocol.JobTypeCrawlGroup,
			EntityID:      id,
			NamespacePath: g.FullPath,
			EntityName:    g.Name,
		})
	}
	for _, id := range projectOrder {
		pr := projects[id]
		if id == "" || pr.Name == "" || pr.PathWithNamespace == "" {
			continue
		}
		rec, _ := json.Marshal(areaRecord{ID: id, Name: pr.Name, FullPath: pr.PathWithNamespace, Type: "project"})
		areaItems = append(areaItems, rec)
		discovered = append(discovered, protocol.DiscoveredJob{
			JobType:       protocol.JobTypeCrawlProject,
			EntityID:      id,
			NamespacePath: pr.PathWithNamespace,
			EntityName:    pr.Name,
		})
	}

	if len(areaItems) > 0 {
		if err := p.store.Put(ctx, discoveryKey, "areas", areaItems); err != nil {
			return nil, fmt.Errorf("store area list: %w", err)
		}
		if err := p.store.Finalize(ctx, discoveryKey); err != nil {
			p.log.Warn("finalize failed", "job", t.id, "key", discoveryKey, "error", err)
		}
	}

	p.rep.Emit(protocol.TypeJobsDiscovered, t.id, &protocol.JobsDiscovered{
		DiscoveredJobs: discovered,
		DiscoverySummary: protocol.DiscoverySummary{
			TotalGroups:   len(groups),
			TotalProjects: len(projects),
		},
	})
	p.log.Info("discovery complete", "job", t.id, "groups", len(groups), "projects", len(projects))

	return map[string]int{"groups": len(groups), "projects": len(projects)}, nil
}
