package protocol

// Commands a job can carry. GROUP_PROJECT_DISCOVERY walks the instance's
// namespaces; the FETCH_* commands collect one data type for one entity.
const (
	CmdGroupProjectDiscovery = "GROUP_PROJECT_DISCOVERY"
	CmdFetchProjects         = "FETCH_PROJECTS"
	CmdFetchGroups           = "FETCH_GROUPS"
	CmdFetchUsers            = "FETCH_USERS"
	CmdFetchIssues           = "FETCH_ISSUES"
	CmdFetchMergeRequests    = "FETCH_MERGE_REQUESTS"
	CmdFetchCommits          = "FETCH_COMMITS"
	CmdFetchBranches         = "FETCH_BRANCHES"
	CmdFetchPipelines        = "FETCH_PIPELINES"
	CmdFetchReleases         = "FETCH_RELEASES"
	CmdFetchMilestones       = "FETCH_MILESTONES"
	CmdFetchEpics            = "FETCH_EPICS"
	CmdFetchJobs             = "FETCH_JOBS"
	CmdFetchEvents           = "FETCH_EVENTS"
	CmdFetchIssueNotes       = "FETCH_ISSUE_NOTES"
	CmdTestType              = "TEST_TYPE"

	// CmdDiscoverAreas is a legacy alias for CmdGroupProjectDiscovery still
	// seen on the wire from older workers.
	CmdDiscoverAreas = "DISCOVER_AREAS"
)

// Job types carried in discovery results.
const (
	JobTypeDiscoverNamespaces = "discover_namespaces"
	JobTypeCrawlGroup         = "crawl_group"
	JobTypeCrawlProject       = "crawl_project"
	JobTypeCrawlUser          = "crawl_user"
)

// NormalizeCommand maps wire aliases to canonical commands.
func NormalizeCommand(cmd string) string {
	if cmd == CmdDiscoverAreas {
		return CmdGroupProjectDiscovery
	}
	return cmd
}

// IsDiscoveryCommand reports whether cmd triggers namespace discovery.
func IsDiscoveryCommand(cmd string) bool {
	return NormalizeCommand(cmd) == CmdGroupProjectDiscovery
}

// KnownCommand reports whether cmd is part of the vocabulary.
func KnownCommand(cmd string) bool {
	if IsDiscoveryCommand(cmd) || cmd == CmdTestType {
		return true
	}
	_, ok := commandEndpoints[cmd]
	return ok
}

// commandEndpoints maps each collection command to its GitLab v4 endpoint
// templates. Path parameters start with ':' and are resolved from job
// options at execution time.
var commandEndpoints = map[string][]string{
	CmdGroupProjectDiscovery: {"/api/v4/groups", "/api/v4/projects"},
	CmdFetchProjects:         {"/api/v4/projects/:id"},
	CmdFetchGroups:           {"/api/v4/groups/:id"},
	CmdFetchUsers:            {"/api/v4/users/:id"},
	CmdFetchIssues:           {"/api/v4/projects/:id/issues"},
	CmdFetchMergeRequests:    {"/api/v4/projects/:id/merge_requests"},
	CmdFetchCommits:          {"/api/v4/projects/:id/repository/commits"},
	CmdFetchBranches:         {"/api/v4/projects/:id/repository/branches"},
	CmdFetchPipelines:        {"/api/v4/projects/:id/pipelines"},
	CmdFetchReleases:         {"/api/v4/projects/:id/releases"},
	CmdFetchMilestones:       {"/api/v4/projects/:id/milestones", "/api/v4/groups/:id/milestones"},
	CmdFetchEpics:            {"/api/v4/groups/:id/epics"},
	CmdFetchJobs:             {"/api/v4/projects/:id/pipelines/:pipeline_id/jobs"},
	CmdFetchEvents:           {"/api/v4/projects/:id/events", "/api/v4/groups/:id/events"},
	CmdFetchIssueNotes:       {"/api/v4/projects/:id/issues/:issue_iid/notes"},
}

// EndpointsFor returns the endpoint templates for a command, or nil for
// commands that issue no HTTP requests.
func EndpointsFor(cmd string) []string {
	templates := commandEndpoints[NormalizeCommand(cmd)]
	out := make([]string, len(templates))
	copy(out, templates)
	return out
}

// commandEntityTypes names the entity type each command collects, used for
// storage keys and progress counters.
var commandEntityTypes = map[string]string{
	CmdGroupProjectDiscovery: "areas",
	CmdFetchProjects:         "projects",
	CmdFetchGroups:           "groups",
	CmdFetchUsers:            "users",
	CmdFetchIssues:           "issues",
	CmdFetchMergeRequests:    "merge_requests",
	CmdFetchCommits:          "commits",
	CmdFetchBranches:         "branches",
	CmdFetchPipelines:        "pipelines",
	CmdFetchReleases:         "releases",
	CmdFetchMilestones:       "milestones",
	CmdFetchEpics:            "epics",
	CmdFetchJobs:             "jobs",
	CmdFetchEvents:           "events",
	CmdFetchIssueNotes:       "issue_notes",
	CmdTestType:              "test",
}

// EntityTypeFor returns the entity type a command collects.
func EntityTypeFor(cmd string) string {
	if t, ok := commandEntityTypes[NormalizeCommand(cmd)]; ok {
		return t
	}
	return "unknown"
}

// CommandForJobType maps a discovered job type to the command its spawned
// job runs.
func CommandForJobType(jobType string) (string, bool) {
	switch jobType {
	case JobTypeCrawlGroup:
		return CmdFetchGroups, true
	case JobTypeCrawlProject:
		return CmdFetchProjects, true
	case JobTypeDiscoverNamespaces:
		return CmdGroupProjectDiscovery, true
	case JobTypeCrawlUser:
		return CmdFetchUsers, true
	default:
		return "", false
	}
}

// subFanOut is the per-data-type job set enqueued for every discovered
// group or project.
var subFanOut = []string{
	CmdFetchIssues,
	CmdFetchMergeRequests,
	CmdFetchCommits,
	CmdFetchBranches,
	CmdFetchPipelines,
	CmdFetchMilestones,
	CmdFetchJobs,
	CmdFetchIssueNotes,
}

// SubFanOut returns the collection commands spawned alongside a discovered
// group or project. Groups additionally get epics. The result is
// deduplicated and safe to mutate.
func SubFanOut(jobType string) []string {
	if jobType != JobTypeCrawlGroup && jobType != JobTypeCrawlProject {
		return nil
	}
	seen := make(map[string]bool, len(subFanOut)+1)
	var out []string
	for _, cmd := range subFanOut {
		if !seen[cmd] {
			seen[cmd] = true
			out = append(out, cmd)
		}
	}
	if jobType == JobTypeCrawlGroup && !seen[CmdFetchEpics] {
		out = append(out, CmdFetchEpics)
	}
	return out
}
