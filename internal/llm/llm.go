// Package llm provides the language model adapter. The core treats the
// model as an opaque text-in/text-out service with a mutable generation
// profile; the self-improvement and correction subsystems adjust the
// profile and snapshot it to checkpoints.
package llm

import (
	"context"

	"github.com/awalczyk/anima-agent/internal/config"
)

// Model is the contract every subsystem programs against. Collaborators
// receive it as an argument rather than holding their own reference.
type Model interface {
	// Generate produces a completion for prompt using the current
	// generation profile.
	Generate(ctx context.Context, prompt string) (string, error)

	// Name returns the underlying model identifier.
	Name() string

	// Profile returns a copy of the current generation profile.
	Profile() config.Profile

	// SetProfile replaces the generation profile. Used by improvement
	// experiments and checkpoint rollback.
	SetProfile(p config.Profile)

	// SaveCheckpoint snapshots the model name and profile to path.
	SaveCheckpoint(path string) error

	// LoadCheckpoint restores a snapshot written by SaveCheckpoint.
	LoadCheckpoint(path string) error
}
