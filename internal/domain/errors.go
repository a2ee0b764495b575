package domain

import "errors"

// ErrConfiguration marks a fatal startup problem: an unset or invalid risk
// limit. The engine refuses to begin trading rather than run unguarded, so
// this error is never recovered at runtime.
var ErrConfiguration = errors.New("CONFIGURATION_ERROR")

// ErrNoDecision marks an evaluation that had to be aborted because a required
// input was missing. Callers must treat it as "no decision" — substituting a
// default value here is forbidden.
var ErrNoDecision = errors.New("no decision: required input missing")
