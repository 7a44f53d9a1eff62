// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/clawterm/internal/types"

// Compile-time interface compliance checks.
var _ types.Journal = (*Journal)(nil)
var _ types.ArtifactStore = (*ArtifactStore)(nil)
