// Package errkind categorizes router errors so that the HTTP layer can map
// them to stable status codes and JSON bodies without inspecting messages.
package errkind

import (
	"errors"
	"fmt"
)

type Kind string

const (
	OK                = Kind("")
	NoEndpoint        = Kind("NoEndpoint")
	NoBackendForModel = Kind("NoBackendForModel")
	UpstreamConnect   = Kind("UpstreamConnect")
	UpstreamTimeout   = Kind("UpstreamTimeout")
	UpstreamProtocol  = Kind("UpstreamProtocol")
	ClientCancelled   = Kind("ClientCancelled")
	MessageTooLarge   = Kind("MessageTooLarge")
	QueueOverflow     = Kind("QueueOverflow")
	UnknownWorkflow   = Kind("UnknownWorkflow")
	ConfigInvalid     = Kind("ConfigInvalid")
	OracleUnavailable = Kind("OracleUnavailable")
)

type kinded struct {
	error
	kind Kind
}

// New creates a new kinded error from its argument. The argument can be an
// error or a string; anything else is rendered with its '%v' formatter.
func (k Kind) New(untypedErr any) error {
	var err error
	switch untypedErr := untypedErr.(type) {
	case nil:
		return nil
	case error:
		err = untypedErr
	case string:
		err = errors.New(untypedErr)
	default:
		err = fmt.Errorf("%v", untypedErr)
	}
	return &kinded{error: err, kind: k}
}

// Newf creates a new kinded error using fmt.Errorf(), so '%w' is relevant
// for error arguments.
func (k Kind) Newf(format string, a ...any) error {
	return &kinded{error: fmt.Errorf(format, a...), kind: k}
}

func (ke *kinded) Unwrap() error {
	return ke.error
}

// GetKind returns the kind for a kinded error, OK for nil, and the empty
// kind for errors that were never categorized.
func GetKind(err error) Kind {
	if err == nil {
		return OK
	}
	for {
		if ke, ok := err.(*kinded); ok {
			return ke.kind
		}
		if err = errors.Unwrap(err); err == nil {
			return OK
		}
	}
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return GetKind(err) == k
}
