package loader

import "errors"

// Error kinds named by spec §7. Operations are recovered locally and
// surface only as a boolean plus a logged message; these sentinels exist
// so that message, errors.Is, and log callers can agree on what kind of
// failure occurred.
var (
	ErrWrongThread          = errors.New("loader: called off the bound main thread")
	ErrPathResolutionFailed = errors.New("loader: path resolution failed")
	ErrRegistrationRejected = errors.New("loader: library registration rejected")
	ErrInitHookFailed       = errors.New("loader: init hook failed")
	ErrUnloadVetoed         = errors.New("loader: unload vetoed by can-unload hook")
	ErrCacheUnavailable     = errors.New("loader: class cache unavailable")
	ErrDuplicateBasename    = errors.New("loader: basename already loaded from a different path")
	ErrClsidCollision       = errors.New("loader: clsid already claimed by another module")
)

// OsLoadError wraps a failure from the OS (or wazero) loader with the
// path that failed, matching spec §7's OsLoadFailed(code) kind.
type OsLoadError struct {
	Path string
	Err  error
}

func (e *OsLoadError) Error() string {
	return "loader: failed to load " + e.Path + ": " + e.Err.Error()
}

func (e *OsLoadError) Unwrap() error { return e.Err }
