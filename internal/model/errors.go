package model

import "errors"

// Validation errors. Callers use errors.Is to distinguish them from
// execution failures.
var (
	ErrNoTarget       = errors.New("target must define a url, ip or domain")
	ErrInvalidTarget  = errors.New("invalid target")
	ErrInvalidPort    = errors.New("invalid port")
	ErrInvalidProfile = errors.New("invalid scan profile")
	ErrUnknownTool    = errors.New("unknown tool")
)
