package fault

import (
	"errors"
	"fmt"
)

type faultCode string

const (
	UnknownCode  faultCode = "unknown"
	BadInputCode faultCode = "bad_input"
	// StorageCode marks failures of the partition store (disk full, permission denied, ...).
	StorageCode faultCode = "storage"
	// DispatchCode marks fan-out failures. The message was already persisted when this is returned.
	DispatchCode faultCode = "dispatch"
)

type FieldErrorsMetadata map[string][]string

// Fault is the exported view of a coded error.
type Fault interface {
	error
	Code() faultCode
	Message() string
	Metadata() any
	Original() error
}

type fault struct {
	code     faultCode
	message  string
	metadata any
	original error
}

func New(code faultCode, message string) fault {
	return fault{
		code:    code,
		message: message,
	}
}

func (f fault) WithMetadata(metadata any) fault {
	e := f
	e.metadata = metadata
	return e
}

func (f fault) WithOriginal(original error) fault {
	e := f
	e.original = original
	return e
}

func (f fault) Code() faultCode {
	return f.code
}

func (f fault) Message() string {
	return f.message
}

func (f fault) Metadata() any {
	return f.metadata
}

func (f fault) Original() error {
	return f.original
}

func (f fault) Unwrap() error {
	return f.original
}

func (f fault) Error() string {
	if f.original != nil {
		return fmt.Sprintf("%s: %v", f.message, f.original)
	}
	return f.message
}

// CodeOf returns the code of the first fault in err's chain, or UnknownCode.
func CodeOf(err error) faultCode {
	var f Fault
	if errors.As(err, &f) {
		return f.Code()
	}
	return UnknownCode
}
