package errors

import (
	"context"
	"errors"
)

// Category represents the class of failure, used for logging and metrics.
type Category int

const (
	// CategoryRemote indicates a handler in another process failed.
	CategoryRemote Category = iota

	// CategoryRouting indicates the target process or action does not exist.
	CategoryRouting

	// CategoryProtocol indicates a malformed envelope or version mismatch.
	CategoryProtocol

	// CategoryCancelled indicates the call was abandoned by the caller or torn down.
	CategoryCancelled

	// CategoryConfig indicates a programmer error at the call site.
	CategoryConfig

	// CategoryUnknown is used for errors outside the taxonomy.
	CategoryUnknown
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryRemote:
		return "remote"
	case CategoryRouting:
		return "routing"
	case CategoryProtocol:
		return "protocol"
	case CategoryCancelled:
		return "cancelled"
	case CategoryConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Categorize determines the category of an error.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	// Sentinels first: a RemoteError carrying a routing code is still routing.
	switch {
	case errors.Is(err, ErrTargetNotFound), errors.Is(err, ErrActionNotSet):
		return CategoryRouting
	case errors.Is(err, ErrDispatcherClosed),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryCancelled
	case errors.Is(err, ErrAlreadyRegistered),
		errors.Is(err, ErrNotRegistered),
		errors.Is(err, ErrSelfTarget),
		errors.Is(err, ErrNotInitialized),
		errors.Is(err, ErrInvalidParams),
		errors.Is(err, ErrActionRequired):
		return CategoryConfig
	}

	var versionErr *VersionError
	if errors.As(err, &versionErr) {
		return CategoryProtocol
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return CategoryProtocol
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		if remote.Code == CodeProtocol {
			return CategoryProtocol
		}
		return CategoryRemote
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return CategoryRemote
	}

	return CategoryUnknown
}

// IsRemote reports whether the error originated in a remote handler.
func IsRemote(err error) bool {
	return Categorize(err) == CategoryRemote
}

// IsCancelled reports whether the call was abandoned or torn down.
func IsCancelled(err error) bool {
	return Categorize(err) == CategoryCancelled
}
