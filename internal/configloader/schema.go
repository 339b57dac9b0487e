package configloader

// The tenant configuration file schema. Durations are Go duration strings;
// all regular expressions are anchored when compiled.

type tenantsFile struct {
	Tenants []tenantYAML `yaml:"tenants"`
}

type tenantYAML struct {
	Name      string         `yaml:"name"`
	Pipelines []pipelineYAML `yaml:"pipelines"`
	Jobs      []jobYAML      `yaml:"jobs"`
	Projects  []projectYAML  `yaml:"projects"`
}

type pipelineYAML struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// Manager is "independent" (default) or "dependent"
	Manager string `yaml:"manager,omitempty"`

	// Connection names the source connection; defaults to the first
	// configured connection
	Connection string `yaml:"connection,omitempty"`

	Trigger []triggerYAML `yaml:"trigger,omitempty"`
	Require *requireYAML  `yaml:"require,omitempty"`

	Start        actionsYAML `yaml:"start,omitempty"`
	Success      actionsYAML `yaml:"success,omitempty"`
	Failure      actionsYAML `yaml:"failure,omitempty"`
	MergeFailure actionsYAML `yaml:"merge-failure,omitempty"`
	Disabled     actionsYAML `yaml:"disabled,omitempty"`

	DisableAfter int `yaml:"disable-after-consecutive-failures,omitempty"`

	// Queues pre-declares shared queues for the dependent discipline;
	// projects attached to the pipeline but listed in no queue each get
	// their own
	Queues []queueYAML `yaml:"queues,omitempty"`
}

type triggerYAML struct {
	Event           string         `yaml:"event"`
	Action          []string       `yaml:"action,omitempty"`
	Branch          []string       `yaml:"branch,omitempty"`
	Ref             []string       `yaml:"ref,omitempty"`
	Comment         []string       `yaml:"comment,omitempty"`
	Label           []string       `yaml:"label,omitempty"`
	State           []string       `yaml:"state,omitempty"`
	RequireStatus   []string       `yaml:"require-status,omitempty"`
	RequireApproval []approvalYAML `yaml:"require-approval,omitempty"`
	IgnoreDeletes   *bool          `yaml:"ignore-deletes,omitempty"`
}

type requireYAML struct {
	Open     *bool          `yaml:"open,omitempty"`
	Merged   *bool          `yaml:"merged,omitempty"`
	Status   []string       `yaml:"status,omitempty"`
	Approval []approvalYAML `yaml:"approval,omitempty"`
	Reject   *rejectYAML    `yaml:"reject,omitempty"`
}

type rejectYAML struct {
	Approval []approvalYAML `yaml:"approval,omitempty"`
}

type approvalYAML struct {
	Type      []string `yaml:"type,omitempty"`
	Value     *int     `yaml:"value,omitempty"`
	Username  string   `yaml:"username,omitempty"`
	NewerThan string   `yaml:"newer-than,omitempty"`
	OlderThan string   `yaml:"older-than,omitempty"`
}

type actionsYAML struct {
	Status  bool `yaml:"status,omitempty"`
	Comment bool `yaml:"comment,omitempty"`
	Merge   bool `yaml:"merge,omitempty"`
}

type queueYAML struct {
	Name     string   `yaml:"name"`
	Projects []string `yaml:"projects"`
}

type jobYAML struct {
	Name     string   `yaml:"name"`
	Parent   string   `yaml:"parent,omitempty"`
	Branches []string `yaml:"branches,omitempty"`
	Files    []string `yaml:"files,omitempty"`
	Voting   *bool    `yaml:"voting,omitempty"`
	Mutex    string   `yaml:"mutex,omitempty"`
	Labels   []string `yaml:"labels,omitempty"`
	Timeout  string   `yaml:"timeout,omitempty"`
	Attempts int      `yaml:"attempts,omitempty"`
}

type projectYAML struct {
	Name       string `yaml:"name"`
	Connection string `yaml:"connection,omitempty"`

	// Branch is where trusted in-repo configuration is read from
	Branch string `yaml:"branch,omitempty"`

	InRepoConfig bool `yaml:"in-repo-config,omitempty"`

	// Pipelines maps pipeline name to attached job names
	Pipelines map[string][]string `yaml:"pipelines,omitempty"`
}

// overlayFile is the in-repo configuration schema (.switchyard.yaml): job
// definitions plus pipeline attachments for the carrying project.
type overlayFile struct {
	Jobs      []jobYAML           `yaml:"jobs,omitempty"`
	Pipelines map[string][]string `yaml:"pipelines,omitempty"`
}
