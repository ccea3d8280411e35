package errs

import (
	stderr "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CodeError is the engine-wide error shape: a stable integer code plus a
// short message, with optional free-form detail accumulated along the path.
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail}
}

// WithDetail returns a copy carrying extra detail; the sentinel stays clean.
func (e *CodeError) WithDetail(detail string) *CodeError {
	c := e.clone()
	if c.Detail == "" {
		c.Detail = detail
	} else {
		c.Detail += ", " + detail
	}
	return c
}

// Wrap attaches a stack trace to the sentinel.
func (e *CodeError) Wrap() error {
	return errors.WithStack(e.clone())
}

// WrapMsg attaches detail (msg plus key/value pairs) and a stack trace.
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	return errors.WithStack(e.WithDetail(toString(msg, kv)))
}

// Is makes errors.Is(err, ErrXxx) match on code, so wrapped and
// detail-enriched copies still compare equal to their sentinel.
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !stderr.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// CodeOf extracts the engine code from err, or 0 when err carries none.
func CodeOf(err error) int {
	var ce *CodeError
	if stderr.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// Wrap adds a stack trace to any error (nil-safe).
func Wrap(err error) error {
	return errors.WithStack(err)
}

// WrapMsg annotates err with msg and key/value pairs plus a stack trace.
func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(errors.WithMessage(err, toString(msg, kv)))
}

func New(msg string, kv ...any) error {
	return errors.New(toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if i != 0 || msg != "" {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		}
	}
	return sb.String()
}
