package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Domain is reported in errdetails.ErrorInfo.
const Domain = "rivernode"

// unknownPrefix marks errors that reached the transport without a code.
const unknownPrefix = "[unknown] "

// Tag is a key/value pair of context attached to an error.
type Tag struct {
	Key   string
	Value any
}

// Error is the typed error surfaced to callers with its code intact.
type Error struct {
	Code  Code
	Msg   string
	Tags  []Tag
	Cause error
}

// New creates an error with a code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an error that wraps cause. If cause already carries a code
// and code is Unspecified, the cause's code is kept.
func Wrap(code Code, cause error, msg string) *Error {
	if code == Unspecified {
		code = CodeOf(cause)
	}
	return &Error{Code: code, Msg: msg, Cause: cause}
}

// Tag appends a key/value pair and returns e for chaining.
func (e *Error) Tag(key string, value any) *Error {
	e.Tags = append(e.Tags, Tag{Key: key, Value: value})
	return e
}

// Error formats as "<num>:<NAME> msg key=value: cause".
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.Qualified())
	if e.Msg != "" {
		b.WriteByte(' ')
		b.WriteString(e.Msg)
	}
	for _, t := range e.Tags {
		fmt.Fprintf(&b, " %s=%v", t.Key, t.Value)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// GRPCStatus lets status.FromError recognise the error directly.
func (e *Error) GRPCStatus() *status.Status {
	st := status.New(e.Code.GRPCCode(), e.Error())
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason: e.Code.String(),
		Domain: Domain,
		Metadata: map[string]string{
			"code": strconv.Itoa(int(e.Code)),
		},
	})
	if err != nil {
		return st
	}
	return detailed
}

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err. Context errors map to their own codes;
// anything else without a code is Unknown.
func CodeOf(err error) Code {
	if err == nil {
		return Unspecified
	}
	if e, ok := AsError(err); ok {
		return e.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return DeadlineExceeded
	}
	return Unknown
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// ToStatus converts err into a gRPC status error for the transport. Typed
// errors keep their code; untyped errors become UNKNOWN with an explicit
// "[unknown] " marker so the caller can tell them apart.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e.GRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return New(Canceled, err.Error()).GRPCStatus().Err()
	case errors.Is(err, context.DeadlineExceeded):
		return New(DeadlineExceeded, err.Error()).GRPCStatus().Err()
	}
	return status.Error(codes.Unknown, unknownPrefix+err.Error())
}

// FromStatus converts a gRPC status error received by a client back into a
// typed *Error. Errors that are not statuses are returned unchanged.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	code := FromGRPCCode(st.Code())
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != Domain {
			continue
		}
		if c, ok := ParseCode(info.GetReason()); ok {
			code = c
		} else if n, err := strconv.Atoi(info.GetMetadata()["code"]); err == nil {
			code = Code(n)
		}
	}
	msg := strings.TrimPrefix(st.Message(), code.Qualified())
	return &Error{Code: code, Msg: strings.TrimSpace(msg)}
}
