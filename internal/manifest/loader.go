package manifest

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/bulkforge/internal/plan"
	"github.com/vk/bulkforge/internal/spec"
)

// Manifest is the loaded metadata: run settings plus the ordered record
// specs, group by group in file order.
type Manifest struct {
	Settings plan.Settings
	Specs    []spec.RecordSpec
}

// Load reads and evaluates the manifest file at path.
func Load(path string) (*Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse manifest %s: %s", path, diags.Error())
	}
	return evaluate(file)
}

// Parse evaluates manifest source held in memory; filename is used in
// diagnostics only.
func Parse(src []byte, filename string) (*Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse manifest %s: %s", filename, diags.Error())
	}
	return evaluate(file)
}

func evaluate(file *hcl.File) (*Manifest, error) {
	var root manifestHCL
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("decode manifest: %s", diags.Error())
	}

	templates := make(map[string]templateHCL, len(root.Templates))
	for _, tpl := range root.Templates {
		if _, dup := templates[tpl.Name]; dup {
			return nil, fmt.Errorf("duplicate template %q", tpl.Name)
		}
		templates[tpl.Name] = tpl
	}

	m := &Manifest{
		Settings: plan.Settings{
			ProjectKey:         root.Project.Key,
			EpicKey:            root.Project.Epic,
			Labels:             root.Project.Labels,
			LinkTypeCandidates: root.Project.LinkTypes,
		},
	}

	seenGroups := make(map[string]bool, len(root.Groups))
	for _, group := range root.Groups {
		if seenGroups[group.Name] {
			return nil, fmt.Errorf("duplicate group %q", group.Name)
		}
		seenGroups[group.Name] = true

		tpl, ok := templates[group.Template]
		if !ok {
			return nil, fmt.Errorf("group %q references unknown template %q", group.Name, group.Template)
		}

		body, err := stamp(tpl, group, root.Project.Surveillance)
		if err != nil {
			return nil, err
		}
		if err := m.appendGroup(group, body); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// stamp decodes the template body with the group's variables in scope.
func stamp(tpl templateHCL, group groupHCL, surveillance string) (*templateBodyHCL, error) {
	vars := map[string]cty.Value{
		"surveillance": cty.StringVal(surveillance),
		"group":        cty.StringVal(group.Name),
	}
	for name, value := range group.Vars {
		vars[name] = cty.StringVal(value)
	}

	var body templateBodyHCL
	evalCtx := &hcl.EvalContext{Variables: vars}
	if diags := gohcl.DecodeBody(tpl.Body, evalCtx, &body); diags.HasErrors() {
		return nil, fmt.Errorf("evaluate template %q for group %q: %s", tpl.Name, group.Name, diags.Error())
	}
	return &body, nil
}

func (m *Manifest) appendGroup(group groupHCL, body *templateBodyHCL) error {
	ownsFeature := group.FeatureFrom == ""
	if ownsFeature && body.Feature != nil {
		m.Specs = append(m.Specs, spec.RecordSpec{
			Kind:               spec.Feature,
			Summary:            body.Feature.Summary,
			Description:        body.Feature.Description,
			AcceptanceCriteria: body.Feature.AcceptanceCriteria,
			GroupKey:           group.Name,
			EpicRef:            m.Settings.EpicKey,
			Labels:             m.Settings.Labels,
		})
	}

	if group.FeatureOnly {
		if body.Feature == nil {
			return fmt.Errorf("group %q is feature_only but template has no feature block", group.Name)
		}
		return nil
	}

	if body.Story == nil {
		return fmt.Errorf("group %q: template has no story block", group.Name)
	}
	m.Specs = append(m.Specs, spec.RecordSpec{
		Kind:               spec.Story,
		Summary:            body.Story.Summary,
		Description:        body.Story.Description,
		AcceptanceCriteria: body.Story.AcceptanceCriteria,
		GroupKey:           group.Name,
		ParentRef:          group.FeatureFrom,
		Labels:             m.Settings.Labels,
	})

	for _, sub := range body.SubTasks {
		m.Specs = append(m.Specs, spec.RecordSpec{
			Kind:               spec.SubTask,
			Summary:            sub.Summary,
			Description:        sub.Description,
			AcceptanceCriteria: sub.AcceptanceCriteria,
			GroupKey:           group.Name,
			Labels:             m.Settings.Labels,
		})
	}
	return nil
}
