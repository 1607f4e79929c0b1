package workflow

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidDefinition wraps all definition construction failures.
// Definitions are built at process start, so these are fatal to startup.
var ErrInvalidDefinition = errors.New("workflow: invalid definition")

// DefinitionConfig is the input to New.
type DefinitionConfig struct {
	ID          string
	Name        string
	Description string
	Steps       []Step
	OwnerEmails []string

	// TriggerTokenHash, when non-empty, is the argon2id hash a webhook
	// caller's X-Trigger-Token must verify against. Empty means the
	// webhook is open.
	TriggerTokenHash string
}

// Definition is the static, ordered list of steps plus ownership
// metadata. Immutable after construction.
type Definition struct {
	ID               string
	Name             string
	Description      string
	Steps            []Step
	OwnerEmails      []string
	TriggerTokenHash string
}

// New validates and constructs a Definition.
func New(cfg DefinitionConfig) (*Definition, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidDefinition)
	}
	if len(cfg.Steps) == 0 {
		return nil, fmt.Errorf("%w: workflow %q must have at least one step", ErrInvalidDefinition, cfg.ID)
	}
	if len(cfg.OwnerEmails) == 0 {
		return nil, fmt.Errorf("%w: workflow %q must have at least one owner email", ErrInvalidDefinition, cfg.ID)
	}
	return &Definition{
		ID:               cfg.ID,
		Name:             cfg.Name,
		Description:      cfg.Description,
		Steps:            slices.Clone(cfg.Steps),
		OwnerEmails:      slices.Clone(cfg.OwnerEmails),
		TriggerTokenHash: cfg.TriggerTokenHash,
	}, nil
}

// HasAccess reports whether the identity may trigger or view this
// definition.
func (d *Definition) HasAccess(email string) bool {
	return slices.Contains(d.OwnerEmails, email)
}

// LastPosition returns the index of the final step.
func (d *Definition) LastPosition() int {
	return len(d.Steps) - 1
}
