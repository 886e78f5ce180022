// Package edge drives the clone→mutate→activate lifecycle of a service's
// versioned configuration against an abstract edge API.
package edge

import (
	"context"

	"palisade/internal/vcl"
)

// API is the capability the agent needs from the edge provider. Every call is
// scoped to one service and authenticated by the owning account's credential,
// which the implementation carries. Implementations classify failures with
// the error kinds in errors.go so the version manager can tell a retryable
// hiccup from a revoked credential.
type API interface {
	// ReadActiveVersion returns the version currently serving traffic.
	ReadActiveVersion(ctx context.Context, serviceID string) (string, error)

	// CloneVersion copies sourceVersion into a new editable version and
	// returns its identifier.
	CloneVersion(ctx context.Context, serviceID, sourceVersion string) (string, error)

	// CreateContainer provisions a named access-control container on the
	// given version and returns its identifier. Container identifiers stay
	// valid across later versions.
	CreateContainer(ctx context.Context, serviceID, version, name string) (string, error)

	// ReadContainer returns the current member set of a container.
	ReadContainer(ctx context.Context, serviceID, containerID string) (map[string]struct{}, error)

	// WriteContainer applies removals then additions to a container as one
	// batch. Implementations must honor that order: a full container needs
	// slots freed before new members fit.
	WriteContainer(ctx context.Context, serviceID, containerID string, additions, removals []string) error

	// UpdateSnippet creates or replaces a logic snippet on a version.
	UpdateSnippet(ctx context.Context, serviceID, version string, snippet vcl.Snippet) error

	// ActivateVersion makes the given version serve traffic.
	ActivateVersion(ctx context.Context, serviceID, version string) error
}
