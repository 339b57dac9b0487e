package model

// ProjectConfig binds a project into a tenant's layout: which jobs run in
// which pipelines, and whether the project carries in-repo configuration.
type ProjectConfig struct {
	Project *Project

	// PipelineJobs maps pipeline name to the job names attached there
	PipelineJobs map[string][]string

	// InRepoConfig marks projects whose repository may carry additional
	// configuration in ConfigFile
	InRepoConfig bool

	// Branch is where trusted in-repo configuration is read from
	Branch string
}

// ConfigFile is the in-repo configuration file name.
const ConfigFile = ".switchyard.yaml"

// Layout is a tenant's compiled pipeline and job definitions.
type Layout struct {
	Pipelines []*Pipeline

	// Jobs maps job name to definition
	Jobs map[string]*Job

	// ProjectConfigs maps canonical project name to its binding
	ProjectConfigs map[string]*ProjectConfig
}

// NewLayout returns an empty layout.
func NewLayout() *Layout {
	return &Layout{
		Jobs:           make(map[string]*Job),
		ProjectConfigs: make(map[string]*ProjectConfig),
	}
}

// GetPipeline returns the named pipeline, or nil.
func (l *Layout) GetPipeline(name string) *Pipeline {
	for _, p := range l.Pipelines {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// GetProject returns the project bound under the canonical name, or nil.
func (l *Layout) GetProject(canonical string) *Project {
	if pc, ok := l.ProjectConfigs[canonical]; ok {
		return pc.Project
	}
	return nil
}

// Tenant is an isolation scope containing its own layout, sources and
// projects.
type Tenant struct {
	Name   string
	Layout *Layout
}

// Abide is the root container of all configured tenants. It is replaced
// wholesale on reconfigure.
type Abide struct {
	// Tenants maps tenant name to tenant
	Tenants map[string]*Tenant

	// TenantOrder preserves configuration order for deterministic
	// iteration
	TenantOrder []string
}

// NewAbide returns an empty abide.
func NewAbide() *Abide {
	return &Abide{Tenants: make(map[string]*Tenant)}
}

// AddTenant registers a tenant.
func (a *Abide) AddTenant(t *Tenant) {
	if _, ok := a.Tenants[t.Name]; !ok {
		a.TenantOrder = append(a.TenantOrder, t.Name)
	}
	a.Tenants[t.Name] = t
}

// OrderedTenants returns tenants in configuration order.
func (a *Abide) OrderedTenants() []*Tenant {
	out := make([]*Tenant, 0, len(a.TenantOrder))
	for _, name := range a.TenantOrder {
		if t, ok := a.Tenants[name]; ok {
			out = append(out, t)
		}
	}
	return out
}
