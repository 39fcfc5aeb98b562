package task

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/yoda-digital/ordinaut/internal/pipeline/template"
	"github.com/yoda-digital/ordinaut/internal/taskerr"
)

// DefaultStepTimeout bounds a tool call when a step does not set
// timeout_seconds.
const DefaultStepTimeout = 30 * time.Second

// Pipeline is the declarative body of a task: free-form params plus an
// ordered list of steps.
type Pipeline struct {
	Params map[string]any `json:"params,omitempty"`
	Steps  []Step         `json:"pipeline"`
}

// Step is one tool invocation inside a pipeline.
type Step struct {
	ID             string         `json:"id"`
	Uses           string         `json:"uses"`
	With           map[string]any `json:"with,omitempty"`
	SaveAs         string         `json:"save_as,omitempty"`
	If             string         `json:"if,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// Timeout returns the step's tool-call deadline.
func (s *Step) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return DefaultStepTimeout
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ParsePipeline decodes a payload document strictly: unknown keys on the
// document or on a step are rejected so typos never silently drop fields.
func ParsePipeline(raw []byte) (*Pipeline, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		return nil, taskerr.Wrap(taskerr.KindValidation, err, "malformed pipeline document")
	}
	return &p, nil
}

// Validate rejects malformed pipeline documents before persistence:
// missing ids or tool addresses, duplicate ids, duplicate save_as names,
// negative timeouts, and template expressions that do not parse.
func (p *Pipeline) Validate() error {
	if len(p.Steps) == 0 {
		return taskerr.Validation("pipeline must contain at least one step")
	}
	ids := make(map[string]struct{}, len(p.Steps))
	saves := make(map[string]struct{}, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == "" {
			return taskerr.Validation("step %d: id is required", i+1)
		}
		if _, dup := ids[s.ID]; dup {
			return taskerr.Validation("duplicate step id %q", s.ID)
		}
		ids[s.ID] = struct{}{}
		if s.Uses == "" {
			return taskerr.Validation("step %q: uses is required", s.ID)
		}
		if s.TimeoutSeconds < 0 {
			return taskerr.Validation("step %q: timeout_seconds must be positive", s.ID)
		}
		if s.SaveAs != "" {
			if _, dup := saves[s.SaveAs]; dup {
				return taskerr.Validation("duplicate save_as %q", s.SaveAs)
			}
			saves[s.SaveAs] = struct{}{}
		}
		if s.If != "" {
			if err := template.CheckCondition(s.If); err != nil {
				return taskerr.Wrap(taskerr.KindValidation, err, "step %q: if", s.ID)
			}
		}
		if err := template.CheckValue(s.With); err != nil {
			return taskerr.Wrap(taskerr.KindValidation, err, "step %q: with", s.ID)
		}
	}
	return nil
}

// MarshalPayload serialises the pipeline for jsonb storage.
func (p *Pipeline) MarshalPayload() ([]byte, error) {
	return json.Marshal(p)
}
