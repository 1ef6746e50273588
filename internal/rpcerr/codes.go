// Package rpcerr defines the node's stable error codes and the typed error
// carried from the admission pipeline and sync engine to the transport.
//
// Codes are numeric+symbolic pairs. The numbers are part of the wire contract:
// clients branch on them, so existing values must never be renumbered.
package rpcerr

import (
	"strconv"

	"google.golang.org/grpc/codes"
)

// Code is a stable, machine-readable error code.
type Code int32

const (
	Unspecified             Code = 0
	Canceled                Code = 1
	Unknown                 Code = 2
	InvalidArgument         Code = 3
	DeadlineExceeded        Code = 4
	NotFound                Code = 5
	AlreadyExists           Code = 6
	PermissionDenied        Code = 7
	ResourceExhausted       Code = 8
	FailedPrecondition      Code = 9
	Aborted                 Code = 10
	Unimplemented           Code = 12
	Internal                Code = 13
	Unavailable             Code = 14
	Unauthenticated         Code = 16
	DebugError              Code = 17
	BadStreamID             Code = 18
	BadStreamCreationParams Code = 19
	BadEventID              Code = 21
	BadEventSignature       Code = 22
	BadHashFormat           Code = 23
	BadPrevMiniblockHash    Code = 24
	BadEvent                Code = 26
	BadDelegateSig          Code = 31
	BadPayload              Code = 33
)

var codeNames = map[Code]string{
	Unspecified:             "ERR_UNSPECIFIED",
	Canceled:                "CANCELED",
	Unknown:                 "UNKNOWN",
	InvalidArgument:         "INVALID_ARGUMENT",
	DeadlineExceeded:        "DEADLINE_EXCEEDED",
	NotFound:                "NOT_FOUND",
	AlreadyExists:           "ALREADY_EXISTS",
	PermissionDenied:        "PERMISSION_DENIED",
	ResourceExhausted:       "RESOURCE_EXHAUSTED",
	FailedPrecondition:      "FAILED_PRECONDITION",
	Aborted:                 "ABORTED",
	Unimplemented:           "UNIMPLEMENTED",
	Internal:                "INTERNAL",
	Unavailable:             "UNAVAILABLE",
	Unauthenticated:         "UNAUTHENTICATED",
	DebugError:              "DEBUG_ERROR",
	BadStreamID:             "BAD_STREAM_ID",
	BadStreamCreationParams: "BAD_STREAM_CREATION_PARAMS",
	BadEventID:              "BAD_EVENT_ID",
	BadEventSignature:       "BAD_EVENT_SIGNATURE",
	BadHashFormat:           "BAD_HASH_FORMAT",
	BadPrevMiniblockHash:    "BAD_PREV_MINIBLOCK_HASH",
	BadEvent:                "BAD_EVENT",
	BadDelegateSig:          "BAD_DELEGATE_SIG",
	BadPayload:              "BAD_PAYLOAD",
}

var codesByName = func() map[string]Code {
	m := make(map[string]Code, len(codeNames))
	for c, n := range codeNames {
		m[n] = c
	}
	return m
}()

// String returns the symbolic name, e.g. "PERMISSION_DENIED".
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "CODE_" + strconv.Itoa(int(c))
}

// Qualified returns the "<num>:<NAME>" form used in error messages.
func (c Code) Qualified() string {
	return strconv.Itoa(int(c)) + ":" + c.String()
}

// ParseCode maps a symbolic name back to its code.
func ParseCode(name string) (Code, bool) {
	c, ok := codesByName[name]
	return c, ok
}

// GRPCCode maps the code to the closest gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case Canceled:
		return codes.Canceled
	case InvalidArgument, BadStreamID, BadStreamCreationParams, BadEventID,
		BadHashFormat, BadEvent, BadPayload:
		return codes.InvalidArgument
	case DeadlineExceeded:
		return codes.DeadlineExceeded
	case NotFound:
		return codes.NotFound
	case AlreadyExists:
		return codes.AlreadyExists
	case PermissionDenied, BadEventSignature, BadDelegateSig:
		return codes.PermissionDenied
	case ResourceExhausted:
		return codes.ResourceExhausted
	case FailedPrecondition, BadPrevMiniblockHash:
		return codes.FailedPrecondition
	case Aborted:
		return codes.Aborted
	case Unimplemented:
		return codes.Unimplemented
	case Internal, DebugError:
		return codes.Internal
	case Unavailable:
		return codes.Unavailable
	case Unauthenticated:
		return codes.Unauthenticated
	default:
		return codes.Unknown
	}
}

// FromGRPCCode is used when a status carries no error details.
func FromGRPCCode(c codes.Code) Code {
	switch c {
	case codes.Canceled:
		return Canceled
	case codes.InvalidArgument:
		return InvalidArgument
	case codes.DeadlineExceeded:
		return DeadlineExceeded
	case codes.NotFound:
		return NotFound
	case codes.AlreadyExists:
		return AlreadyExists
	case codes.PermissionDenied:
		return PermissionDenied
	case codes.ResourceExhausted:
		return ResourceExhausted
	case codes.FailedPrecondition:
		return FailedPrecondition
	case codes.Aborted:
		return Aborted
	case codes.Unimplemented:
		return Unimplemented
	case codes.Internal:
		return Internal
	case codes.Unavailable:
		return Unavailable
	case codes.Unauthenticated:
		return Unauthenticated
	default:
		return Unknown
	}
}
