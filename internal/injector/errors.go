package injector

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRunInProgress is returned by TryInsert when another run holds the
// injector.
var ErrRunInProgress = errors.New("injection run already in progress")

// Stage is the host boundary at which a run failed.
type Stage string

const (
	StageQuery  Stage = "query"
	StageInsert Stage = "insert"
)

// StepError describes the host call that ended a run. Err is the host's
// error, so errors.Is against host sentinels keeps working.
type StepError struct {
	Stage       Stage
	Declaration int

	// set for StageQuery
	Patterns []string

	// set for StageInsert
	Document Document
	Resource Resource

	Err error
}

func (e *StepError) Error() string {
	switch e.Stage {
	case StageQuery:
		return fmt.Sprintf("declaration %d: query documents [%s]: %v",
			e.Declaration, strings.Join(e.Patterns, " "), e.Err)
	default:
		return fmt.Sprintf("declaration %d: insert %s %s into document %s (%s): %v",
			e.Declaration, e.Resource.Kind, e.Resource.Path, e.Document.ID, e.Document.URL, e.Err)
	}
}

func (e *StepError) Unwrap() error { return e.Err }
