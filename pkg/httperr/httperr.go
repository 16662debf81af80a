// Package httperr marks request validation failures so handlers can answer
// 400 with a stable envelope code.
package httperr

import "errors"

type BadRequestError struct {
	Code string
	msg  string
}

func (e *BadRequestError) Error() string { return e.msg }

func NewBadRequest(code string, msg string) error {
	return &BadRequestError{Code: code, msg: msg}
}

func IsBadRequest(err error) bool {
	_, ok := errors.AsType[*BadRequestError](err)
	return ok
}

// CodeOf returns the envelope code carried by err, or fallback when err is
// not a bad request or carries none.
func CodeOf(err error, fallback string) string {
	if e, ok := errors.AsType[*BadRequestError](err); ok && e.Code != "" {
		return e.Code
	}
	return fallback
}
