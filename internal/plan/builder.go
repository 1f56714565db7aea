package plan

import (
	"fmt"

	"github.com/vk/bulkforge/internal/dag"
	"github.com/vk/bulkforge/internal/spec"
)

// defaultLinkTypes is used when the settings name no candidates. "Relates"
// exists on stock tracker instances under slightly varying names, hence the
// lowercase fallback.
var defaultLinkTypes = []string{"Relates", "relates to"}

// Build expands specs into a run plan. It is a pure function: deterministic
// for a given input ordering, and it performs no I/O.
//
// Per group it emits a feature create (when the group carries a feature), a
// story create depending on the feature task, a story-feature link depending
// on both, and sub-task creates depending on the link. A sub-task is never
// eligible before its parent link is confirmed. Records carrying acceptance
// criteria additionally get a set-field task depending on their create, so
// criteria reach the remote system as a distinct field.
func Build(settings Settings, specs []spec.RecordSpec) (*Plan, error) {
	settings, err := validateSettings(settings)
	if err != nil {
		return nil, err
	}
	for i := range specs {
		if err := specs[i].Validate(); err != nil {
			return nil, err
		}
	}

	b := &builder{
		plan: &Plan{
			Settings: settings,
			Graph:    dag.New(),
			Expected: make(map[string]map[spec.Kind]int),
			byID:     make(map[string]*Task),
		},
		seq:          make(map[string]int),
		featureTasks: make(map[string]string),
		storyTasks:   make(map[string]string),
		storyAnchors: make(map[string]string),
	}

	// Three ordered passes keep the emitted task list topological regardless
	// of how the metadata source interleaves kinds: features first, then
	// stories with their links, then sub-tasks.
	for i := range specs {
		if specs[i].Kind == spec.Feature {
			if err := b.addFeature(&specs[i]); err != nil {
				return nil, err
			}
		}
	}
	for i := range specs {
		if specs[i].Kind == spec.Story {
			if err := b.addStory(&specs[i]); err != nil {
				return nil, err
			}
		}
	}
	for i := range specs {
		if specs[i].Kind == spec.SubTask {
			if err := b.addSubTask(&specs[i]); err != nil {
				return nil, err
			}
		}
	}

	if err := b.plan.Graph.DetectCycles(); err != nil {
		return nil, fmt.Errorf("validating plan graph: %w", err)
	}
	return b.plan, nil
}

func validateSettings(s Settings) (Settings, error) {
	s.ProjectKey = spec.CleanKey(s.ProjectKey)
	s.EpicKey = spec.CleanKey(s.EpicKey)
	if s.ProjectKey == "" {
		return s, &spec.ValidationError{Field: "projectKey", Reason: "must not be empty"}
	}
	if s.EpicKey == "" {
		return s, &spec.ValidationError{Field: "epicKey", Reason: "must not be empty"}
	}
	if len(s.LinkTypeCandidates) == 0 {
		s.LinkTypeCandidates = defaultLinkTypes
	}
	return s, nil
}

type builder struct {
	plan *Plan

	// seq tracks the next sequence number per "<group>/<slug>" pair so task
	// IDs stay stable across runs with the same input.
	seq map[string]int

	// featureTasks, storyTasks and storyAnchors map a groupKey to the task
	// IDs later passes hang their dependencies on. The anchor is the task a
	// sub-task must wait for: the story-feature link when one exists,
	// otherwise the story create itself.
	featureTasks map[string]string
	storyTasks   map[string]string
	storyAnchors map[string]string
}

func (b *builder) nextID(group, slug string) string {
	key := group + "/" + slug
	n := b.seq[key]
	b.seq[key] = n + 1
	return fmt.Sprintf("%s/%s/%d", group, slug, n)
}

// add appends the task, registers its graph node and wires dependency edges.
func (b *builder) add(t *Task) error {
	b.plan.Graph.AddNode(t.ID)
	for _, dep := range t.DependsOn {
		if err := b.plan.Graph.AddEdge(dep, t.ID); err != nil {
			return fmt.Errorf("wiring task %s: %w", t.ID, err)
		}
	}
	b.plan.Tasks = append(b.plan.Tasks, t)
	b.plan.byID[t.ID] = t
	return nil
}

func (b *builder) countCreate(group string, kind spec.Kind) {
	kinds, ok := b.plan.Expected[group]
	if !ok {
		kinds = make(map[spec.Kind]int)
		b.plan.Expected[group] = kinds
	}
	kinds[kind]++
}

// addCriteriaTask emits the set-field task carrying acceptance criteria for
// the given create task, when the spec has any.
func (b *builder) addCriteriaTask(s *spec.RecordSpec, createID string) error {
	if spec.CleanText(s.AcceptanceCriteria) == "" {
		return nil
	}
	return b.add(&Task{
		ID:         b.nextID(s.GroupKey, "field"),
		GroupKey:   s.GroupKey,
		Operation:  OpSetField,
		DependsOn:  []string{createID},
		SourceTask: createID,
		Field:      "Acceptance criteria",
		Value:      s.AcceptanceCriteria,
	})
}

func (b *builder) addFeature(s *spec.RecordSpec) error {
	if _, exists := b.featureTasks[s.GroupKey]; exists {
		return &spec.ValidationError{GroupKey: s.GroupKey, Field: "kind", Reason: "group already has a feature"}
	}
	if s.EpicRef == "" {
		copied := *s
		copied.EpicRef = b.plan.Settings.EpicKey
		s = &copied
	}
	t := &Task{
		ID:        b.nextID(s.GroupKey, "feature"),
		GroupKey:  s.GroupKey,
		Operation: OpCreate,
		Kind:      spec.Feature,
		Spec:      s,
	}
	if err := b.add(t); err != nil {
		return err
	}
	b.featureTasks[s.GroupKey] = t.ID
	b.countCreate(s.GroupKey, spec.Feature)
	return b.addCriteriaTask(s, t.ID)
}

func (b *builder) addStory(s *spec.RecordSpec) error {
	if _, exists := b.storyTasks[s.GroupKey]; exists {
		return &spec.ValidationError{GroupKey: s.GroupKey, Field: "kind", Reason: "group already has a story"}
	}

	// The story links to its own group's feature, or to the feature of the
	// group named by ParentRef. The original data set shares one feature
	// across every feed story this way.
	featureID, ok := b.featureTasks[s.GroupKey]
	if !ok && s.ParentRef != "" {
		featureID, ok = b.featureTasks[s.ParentRef]
		if !ok {
			return &spec.ValidationError{
				GroupKey: s.GroupKey,
				Field:    "parentRef",
				Reason:   fmt.Sprintf("references group %q which has no feature", s.ParentRef),
			}
		}
	}

	t := &Task{
		ID:        b.nextID(s.GroupKey, "story"),
		GroupKey:  s.GroupKey,
		Operation: OpCreate,
		Kind:      spec.Story,
		Spec:      s,
	}
	if featureID != "" {
		t.DependsOn = []string{featureID}
	}
	if err := b.add(t); err != nil {
		return err
	}
	b.storyTasks[s.GroupKey] = t.ID
	b.countCreate(s.GroupKey, spec.Story)
	if err := b.addCriteriaTask(s, t.ID); err != nil {
		return err
	}

	// No feature anywhere means no link task; sub-tasks then anchor on the
	// story create directly.
	if featureID == "" {
		b.storyAnchors[s.GroupKey] = t.ID
		return nil
	}

	link := &Task{
		ID:                 b.nextID(s.GroupKey, "link"),
		GroupKey:           s.GroupKey,
		Operation:          OpLink,
		DependsOn:          []string{t.ID, featureID},
		SourceTask:         t.ID,
		TargetTask:         featureID,
		LinkTypeCandidates: b.plan.Settings.LinkTypeCandidates,
	}
	if err := b.add(link); err != nil {
		return err
	}
	b.storyAnchors[s.GroupKey] = link.ID
	return nil
}

func (b *builder) addSubTask(s *spec.RecordSpec) error {
	owner := s.ParentRef
	if owner == "" {
		owner = s.GroupKey
	}
	storyID, ok := b.storyTasks[owner]
	if !ok {
		return &spec.ValidationError{
			GroupKey: s.GroupKey,
			Field:    "parentRef",
			Reason:   fmt.Sprintf("no story found for owning group %q", owner),
		}
	}

	t := &Task{
		ID:         b.nextID(s.GroupKey, "subtask"),
		GroupKey:   s.GroupKey,
		Operation:  OpCreate,
		Kind:       spec.SubTask,
		Spec:       s,
		ParentTask: storyID,
		DependsOn:  []string{b.storyAnchors[owner]},
	}
	if err := b.add(t); err != nil {
		return err
	}
	b.countCreate(s.GroupKey, spec.SubTask)
	return b.addCriteriaTask(s, t.ID)
}
