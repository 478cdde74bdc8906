// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for the transport layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
)

// ErrorRule maps a domain error to a status code and problem title.
type ErrorRule struct {
	Target error
	Status int
	Title  string
}

var baseRules = []ErrorRule{
	{Target: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Target: ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
	{Target: ErrUnauthorized, Status: http.StatusUnauthorized, Title: "Unauthorized"},
}

// RespondError maps err to an RFC7807 response. Module rules are checked
// before the transport defaults; unmatched errors become 500 with no detail.
func RespondError(w http.ResponseWriter, err error, rules ...ErrorRule) {
	for _, set := range [][]ErrorRule{rules, baseRules} {
		for _, rule := range set {
			if errors.Is(err, rule.Target) {
				Problem(w, rule.Status, rule.Title, err.Error())
				return
			}
		}
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
