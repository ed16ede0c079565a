// Package desktop would poll a locally running Outlook desktop client via
// COM automation, Windows-only functionality this build never provides:
// Go has no first-party COM automation binding in any reference repo's
// dependency set, and cross-compiling a CGO-backed COM bridge is out of
// scope for a worker meant to run in a container. NewPoller always
// returns ErrUnavailable, exactly mirroring the original's behavior when
// pywin32 is absent — callers are expected to fall back to the file
// poller, matching the original's ImportError→FilePoller branch in its
// provider-selection wiring.
package desktop

import "errors"

// ErrUnavailable is returned by NewPoller unconditionally. Desktop
// Outlook automation has no supported implementation on this platform.
var ErrUnavailable = errors.New("desktop: Outlook COM automation is not available on this platform; use the file poller instead")

// NewPoller always fails with ErrUnavailable. It exists so the
// EMAIL_PROVIDER=outlook wiring path has somewhere to call before falling
// back to the file poller, the same shape the provider selection takes
// for every other adapter.
func NewPoller() (any, error) {
	return nil, ErrUnavailable
}
