// Package miniconf exposes a settings tree on a publish/subscribe transport
// and provides the matching request/response client.
//
// Topics, relative to a device prefix:
//
//	<prefix>/settings/<path>   commands, one subscription per leaf and group
//	<prefix>/state/<path>      retained current value of every leaf
//	<prefix>/error             diagnostics for rejected commands
//	<prefix>/alive             retained "1" while connected
//	<prefix>/response/<id>     replies to commands carrying a response topic
package miniconf

import (
	"errors"
	"fmt"

	"github.com/itohio/stabilizer/pkg/settings"
)

// Code is the numeric outcome of a command.
type Code int

const (
	CodeOK Code = iota
	CodePathNotFound
	CodeTypeMismatch
	CodeValidationFailed
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodePathNotFound:
		return "path not found"
	case CodeTypeMismatch:
		return "type mismatch"
	case CodeValidationFailed:
		return "validation failed"
	default:
		return "internal error"
	}
}

// CodeOf maps an error returned by a settings tree to its code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, settings.ErrPathNotFound):
		return CodePathNotFound
	case errors.Is(err, settings.ErrTypeMismatch):
		return CodeTypeMismatch
	case errors.Is(err, settings.ErrValidationFailed):
		return CodeValidationFailed
	default:
		return CodeInternal
	}
}

// Response is the reply to a command.
type Response struct {
	Code Code   `json:"code"`
	Msg  string `json:"msg"`
}

// NewResponse builds the response for the outcome err.
func NewResponse(err error) Response {
	if err == nil {
		return Response{Code: CodeOK, Msg: "OK"}
	}
	return Response{Code: CodeOf(err), Msg: err.Error()}
}

// Err turns a failed response back into an error matching the settings
// sentinels with errors.Is.
func (r Response) Err() error {
	var sentinel error
	switch r.Code {
	case CodeOK:
		return nil
	case CodePathNotFound:
		sentinel = settings.ErrPathNotFound
	case CodeTypeMismatch:
		sentinel = settings.ErrTypeMismatch
	case CodeValidationFailed:
		sentinel = settings.ErrValidationFailed
	default:
		return fmt.Errorf("device error %d: %s", r.Code, r.Msg)
	}
	return fmt.Errorf("%w (device: %s)", sentinel, r.Msg)
}

// Diagnostic is published on the error topic when a command is rejected.
type Diagnostic struct {
	Path string `json:"path"`
	Code Code   `json:"code"`
	Msg  string `json:"msg"`
}

// Topics builds the topic names of one device.
type Topics struct {
	Prefix string
}

func (t Topics) Settings(path string) string { return t.Prefix + "/settings/" + path }
func (t Topics) State(path string) string    { return t.Prefix + "/state/" + path }
func (t Topics) Response(id string) string   { return t.Prefix + "/response/" + id }
func (t Topics) Error() string               { return t.Prefix + "/error" }
func (t Topics) Alive() string               { return t.Prefix + "/alive" }
func (t Topics) Telemetry() string           { return t.Prefix + "/telemetry" }
