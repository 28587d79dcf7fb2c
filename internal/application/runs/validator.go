package runs

import (
	"fmt"
	"regexp"

	"github.com/aescanero/rowflow/internal/pipeline"
)

// Run ids and pipeline names end up in storage keys and object paths.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Validator validates run requests and pipeline definitions
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateRequest validates a submit request
func (v *Validator) ValidateRequest(req SubmitRequest) error {
	if req.Pipeline == "" {
		return fmt.Errorf("pipeline is required")
	}
	if req.RunID != "" && !identPattern.MatchString(req.RunID) {
		return fmt.Errorf("invalid run id %q", req.RunID)
	}
	return nil
}

// ValidateRunID validates a run id used to address an existing run
func (v *Validator) ValidateRunID(runID string) error {
	if !identPattern.MatchString(runID) {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}

// ValidateDefinition validates a pipeline definition before it is
// registered. Graph structure is checked when the definition is built.
func (v *Validator) ValidateDefinition(def *pipeline.Definition) error {
	if def == nil {
		return fmt.Errorf("pipeline is nil")
	}
	if !identPattern.MatchString(def.Name) {
		return fmt.Errorf("invalid pipeline name %q", def.Name)
	}

	names := make(map[string]bool, len(def.Nodes))
	for i, node := range def.Nodes {
		if node.Name == "" {
			return fmt.Errorf("node %d has no name", i)
		}
		if names[node.Name] {
			return fmt.Errorf("duplicate node name: %s", node.Name)
		}
		names[node.Name] = true
	}
	return nil
}
