package plugin

import (
	"errors"

	"github.com/soundtime-net/soundtime-node/internal/sterr"
)

// errValidation and errPermission alias the shared sterr sentinels so
// callers outside this package can still branch with
// errors.Is(err, sterr.ValidationFailed) etc. ErrNotExported is specific to
// this package: a call naming a function the plugin does not export is a
// shape mismatch, not a VM runtime trap.
var (
	errValidation   = sterr.ValidationFailed
	errPermission   = sterr.PermissionDenied
	ErrNotExported  = errors.New("plugin: function not exported")
)
