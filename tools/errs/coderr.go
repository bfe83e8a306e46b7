package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Gateway error codes. Handshake-level failures refuse the connection;
// per-event failures are reported back to the offending client only.
const (
	CodeUnauthenticated = 1101
	CodeConfiguration   = 1102
	CodeBrokerDown      = 1201
	CodeInvalidEvent    = 1301
	CodeTransport       = 1401
)

var (
	ErrUnauthenticated = NewCodeError(CodeUnauthenticated, "unauthenticated")
	ErrConfiguration   = NewCodeError(CodeConfiguration, "server configuration error")
	ErrBrokerDown      = NewCodeError(CodeBrokerDown, "broker unavailable")
	ErrInvalidEvent    = NewCodeError(CodeInvalidEvent, "invalid event")
	ErrTransport       = NewCodeError(CodeTransport, "transport error")
)

func NewCodeError(code int, msg string) CodeError {
	return CodeError{Code: code, Msg: msg}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e CodeError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Msg)
	sb.WriteString(" [")
	sb.WriteString(strconv.Itoa(e.Code))
	sb.WriteString("]")
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

// WithDetail returns a copy carrying extra detail; the code stays the same
// so errors.Is against the sentinel still matches.
func (e CodeError) WithDetail(detail string) CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// WrapMsg attaches a formatted detail built from msg plus key/value pairs.
func (e CodeError) WrapMsg(msg string, kv ...any) error {
	return e.WithDetail(toDetail(msg, kv))
}

// Is matches on code, so wrapped and detailed variants compare equal to
// their sentinel.
func (e CodeError) Is(err error) bool {
	var ce CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// CodeOf extracts the gateway code from err, or 0 when err carries none.
func CodeOf(err error) int {
	var ce CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func toDetail(msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		sb.WriteString(" ")
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		}
	}
	return sb.String()
}
