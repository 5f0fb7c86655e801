// Package actuator defines the device-side collaborator interfaces the
// automation engine depends on, plus the ADB-backed implementation.
package actuator

import (
	"context"

	"github.com/paxlab/ussd-pilot/internal/snapshot"
)

// SnapshotSource provides UI snapshots of the automation target.
type SnapshotSource interface {
	// Current returns the latest snapshot tree. A nil tree with nil error
	// means no snapshot is available right now.
	Current(ctx context.Context) (*snapshot.Node, error)

	// Subscribe registers a callback invoked on snapshot changes. The
	// callback receives an opaque source id (the foreground package) so
	// consumers can filter to the session-hosting application.
	Subscribe(fn func(sourceID string, root *snapshot.Node))
}

// InputActuator locates controls in a snapshot and injects synthetic
// input into them.
type InputActuator interface {
	FindInputField(root *snapshot.Node) *snapshot.Node
	FindControlByLabel(root *snapshot.Node, labels []string) *snapshot.Node
	SetText(ctx context.Context, control *snapshot.Node, text string) error
	Activate(ctx context.Context, control *snapshot.Node) error
	RequestFocus(ctx context.Context, control *snapshot.Node) error
}

// Dialer starts the USSD session with the remote system.
type Dialer interface {
	Dial(ctx context.Context, shortCode string) error
}
