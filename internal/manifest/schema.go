package manifest

import "github.com/hashicorp/hcl/v2"

// manifestHCL is the top-level file structure. Template bodies stay
// undecoded here; they are evaluated once per group with that group's
// variables in scope.
type manifestHCL struct {
	Project   projectHCL    `hcl:"project,block"`
	Templates []templateHCL `hcl:"template,block"`
	Groups    []groupHCL    `hcl:"group,block"`
}

type projectHCL struct {
	Key          string   `hcl:"key"`
	Epic         string   `hcl:"epic"`
	Surveillance string   `hcl:"surveillance,optional"`
	Labels       []string `hcl:"labels,optional"`
	LinkTypes    []string `hcl:"link_types,optional"`
}

type templateHCL struct {
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

// templateBodyHCL is decoded per group, with the group's variables in the
// evaluation context.
type templateBodyHCL struct {
	Feature  *recordHCL  `hcl:"feature,block"`
	Story    *recordHCL  `hcl:"story,block"`
	SubTasks []recordHCL `hcl:"subtask,block"`
}

type recordHCL struct {
	Summary            string `hcl:"summary"`
	Description        string `hcl:"description,optional"`
	AcceptanceCriteria string `hcl:"acceptance_criteria,optional"`
}

type groupHCL struct {
	Name        string            `hcl:"name,label"`
	Template    string            `hcl:"template"`
	FeatureFrom string            `hcl:"feature_from,optional"`
	FeatureOnly bool              `hcl:"feature_only,optional"`
	Vars        map[string]string `hcl:"vars,optional"`
}
