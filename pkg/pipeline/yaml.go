package pipeline

import (
	"fmt"
	"strings"

	"github.com/tombee/stagehand/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	definitionFields = fieldSet("name", "on", "env", "jobs")
	jobFields        = fieldSet("name", "runs-on", "needs", "if", "env", "strategy", "cache", "steps",
		"required", "timeout-minutes", "continue-on-error")
	strategyFields = fieldSet("matrix", "fail-fast", "max-parallel")
	cacheFields    = fieldSet("path", "key", "restore-keys", "hash-files")
	stepFields     = fieldSet("name", "id", "run", "shell", "env", "if", "continue-on-error",
		"working-directory", "timeout-minutes", "publish", "dispatch")
	publishFields  = fieldSet("artifacts", "registry")
	dispatchFields = fieldSet("repository", "event-type", "branch", "payload")
)

func fieldSet(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// canonicalKeys rejects keys outside allowed and rewrites snake_case
// spellings to the hyphenated form used by the struct tags.
func canonicalKeys(node *yaml.Node, allowed map[string]bool, where string) error {
	if node.Kind != yaml.MappingNode {
		return &errors.DefinitionError{
			Field:   where,
			Message: fmt.Sprintf("expected a mapping, got %s", kindName(node)),
			Line:    node.Line,
		}
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		canonical := strings.ReplaceAll(key.Value, "_", "-")
		if !allowed[canonical] {
			field := key.Value
			if where != "" {
				field = where + "." + key.Value
			}
			return &errors.DefinitionError{
				Field:   field,
				Message: "unknown field",
				Line:    key.Line,
			}
		}
		key.Value = canonical
	}
	return nil
}

func kindName(node *yaml.Node) string {
	switch node.Kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}

// UnmarshalYAML implements yaml.Unmarshaler for Definition.
func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	if err := canonicalKeys(node, definitionFields, ""); err != nil {
		return err
	}
	type plain Definition
	return node.Decode((*plain)(d))
}

// StringList accepts either a single string or a sequence of strings.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler for StringList.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			*s = nil
			return nil
		}
		*s = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return &errors.DefinitionError{
			Message: fmt.Sprintf("expected a string or list of strings, got %s", kindName(node)),
			Line:    node.Line,
		}
	}
}

// Triggers lists event names from an `on:` value written as a string,
// a list, or a mapping of event name to filter.
type Triggers []string

// UnmarshalYAML implements yaml.Unmarshaler for Triggers.
func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		var events []string
		for i := 0; i+1 < len(node.Content); i += 2 {
			events = append(events, node.Content[i].Value)
		}
		*t = events
		return nil
	}
	var list StringList
	if err := list.UnmarshalYAML(node); err != nil {
		return err
	}
	*t = Triggers(list)
	return nil
}

// Jobs is the ordered list of jobs declared in a definition.
type Jobs []*JobDefinition

// UnmarshalYAML implements yaml.Unmarshaler for Jobs, preserving mapping order.
func (j *Jobs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return &errors.DefinitionError{
			Field:   "jobs",
			Message: fmt.Sprintf("expected a mapping of job id to job, got %s", kindName(node)),
			Line:    node.Line,
		}
	}
	jobs := make(Jobs, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		job := &JobDefinition{ID: id}
		if err := node.Content[i+1].Decode(job); err != nil {
			return scopeToJob(err, id)
		}
		job.ID = id
		jobs = append(jobs, job)
	}
	*j = jobs
	return nil
}

func scopeToJob(err error, id string) error {
	var defErr *errors.DefinitionError
	if errors.As(err, &defErr) {
		if defErr.Job == "" {
			defErr.Job = id
		}
		return defErr
	}
	return &errors.DefinitionError{Job: id, Message: err.Error(), Cause: err}
}

// UnmarshalYAML implements yaml.Unmarshaler for JobDefinition.
func (jd *JobDefinition) UnmarshalYAML(node *yaml.Node) error {
	if err := canonicalKeys(node, jobFields, ""); err != nil {
		return err
	}
	type plain JobDefinition
	return node.Decode((*plain)(jd))
}

// UnmarshalYAML implements yaml.Unmarshaler for Strategy.
func (s *Strategy) UnmarshalYAML(node *yaml.Node) error {
	if err := canonicalKeys(node, strategyFields, "strategy"); err != nil {
		return err
	}
	type plain Strategy
	return node.Decode((*plain)(s))
}

// CacheList accepts a single cache mapping or a list of them.
type CacheList []CacheDefinition

// UnmarshalYAML implements yaml.Unmarshaler for CacheList.
func (c *CacheList) UnmarshalYAML(node *yaml.Node) error {
	var items []*yaml.Node
	switch node.Kind {
	case yaml.MappingNode:
		items = []*yaml.Node{node}
	case yaml.SequenceNode:
		items = node.Content
	default:
		return &errors.DefinitionError{
			Field:   "cache",
			Message: fmt.Sprintf("expected a mapping or list, got %s", kindName(node)),
			Line:    node.Line,
		}
	}

	list := make(CacheList, 0, len(items))
	for _, item := range items {
		if err := canonicalKeys(item, cacheFields, "cache"); err != nil {
			return err
		}
		type plain CacheDefinition
		var cd CacheDefinition
		if err := item.Decode((*plain)(&cd)); err != nil {
			return err
		}
		list = append(list, cd)
	}
	*c = list
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Matrix. Axis order and
// value order follow the document.
func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return &errors.DefinitionError{
			Field:   "strategy.matrix",
			Message: fmt.Sprintf("expected a mapping, got %s", kindName(node)),
			Line:    node.Line,
		}
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		field := "strategy.matrix." + key.Value

		switch key.Value {
		case "include", "exclude":
			entries, err := decodeMatrixEntries(value, field)
			if err != nil {
				return err
			}
			if key.Value == "include" {
				m.Include = entries
			} else {
				m.Exclude = entries
			}
			continue
		}

		if value.Kind != yaml.SequenceNode {
			return &errors.DefinitionError{
				Field:   field,
				Message: fmt.Sprintf("axis must be a list of values, got %s", kindName(value)),
				Line:    value.Line,
			}
		}
		axis := MatrixAxis{Name: key.Value}
		for _, v := range value.Content {
			if v.Kind != yaml.ScalarNode {
				return &errors.DefinitionError{
					Field:   field,
					Message: "axis values must be scalars",
					Line:    v.Line,
				}
			}
			axis.Values = append(axis.Values, v.Value)
		}
		m.Axes = append(m.Axes, axis)
	}
	return nil
}

func decodeMatrixEntries(node *yaml.Node, field string) ([]MatrixValues, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, &errors.DefinitionError{
			Field:   field,
			Message: fmt.Sprintf("expected a list of mappings, got %s", kindName(node)),
			Line:    node.Line,
		}
	}
	entries := make([]MatrixValues, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.MappingNode {
			return nil, &errors.DefinitionError{
				Field:   field,
				Message: fmt.Sprintf("entries must be mappings, got %s", kindName(item)),
				Line:    item.Line,
			}
		}
		var entry MatrixValues
		for i := 0; i+1 < len(item.Content); i += 2 {
			k, v := item.Content[i], item.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return nil, &errors.DefinitionError{
					Field:   field + "." + k.Value,
					Message: "values must be scalars",
					Line:    v.Line,
				}
			}
			entry = append(entry, MatrixValue{Name: k.Value, Value: v.Value})
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// UnmarshalYAML implements yaml.Unmarshaler for StepDefinition.
func (s *StepDefinition) UnmarshalYAML(node *yaml.Node) error {
	if err := canonicalKeys(node, stepFields, "steps"); err != nil {
		return err
	}
	type plain StepDefinition
	return node.Decode((*plain)(s))
}

// UnmarshalYAML implements yaml.Unmarshaler for PublishAction.
func (p *PublishAction) UnmarshalYAML(node *yaml.Node) error {
	if err := canonicalKeys(node, publishFields, "publish"); err != nil {
		return err
	}
	type plain PublishAction
	return node.Decode((*plain)(p))
}

// UnmarshalYAML implements yaml.Unmarshaler for DispatchAction.
func (d *DispatchAction) UnmarshalYAML(node *yaml.Node) error {
	if err := canonicalKeys(node, dispatchFields, "dispatch"); err != nil {
		return err
	}
	type plain DispatchAction
	return node.Decode((*plain)(d))
}
