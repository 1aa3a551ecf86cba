package discussion

import (
	"errors"
	"fmt"
)

// Kind classifies a failed request. Callers see only the kind and message;
// upstream payloads stay in the logs.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindEntitlementDenied Kind = "EntitlementDenied"
	KindProfileResolution Kind = "ProfileResolutionFailed"
	KindProvisioning      Kind = "ProvisioningFailed"
	KindRemoteCreate      Kind = "RemoteCreateFailed"
	KindRemoteFetch       Kind = "RemoteFetchFailed"
	KindMappingConflict   Kind = "MappingConflict"
	KindInternal          Kind = "Internal"
)

type Error struct {
	Kind    Kind
	Message string
	// Upstream holds the raw diagnostic payload from the failing
	// collaborator, if any.
	Upstream string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// ValidationError reports a malformed inbound request.
func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
