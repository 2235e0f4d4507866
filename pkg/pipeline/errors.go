package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/webgrade/pkg/artifact"
	"github.com/3leaps/webgrade/pkg/installer"
	"github.com/3leaps/webgrade/pkg/judge"
	"github.com/3leaps/webgrade/pkg/launcher"
	"github.com/3leaps/webgrade/pkg/portalloc"
	"github.com/3leaps/webgrade/pkg/screenshot"
	"github.com/3leaps/webgrade/pkg/workspace"
)

// ErrFormatInvalid is returned when a response fails the format check.
var ErrFormatInvalid = errors.New("response format invalid")

// Classification codes recorded with every outcome.
const (
	CodeOK                   = "OK"
	CodeNoArtifact           = "NO_ARTIFACT"
	CodeFormatInvalid        = "FORMAT_INVALID"
	CodeMaterializeFailed    = "MATERIALIZE_FAILED"
	CodeInstallFailed        = "INSTALL_FAILED"
	CodeNoFreePort           = "NO_FREE_PORT"
	CodeConfigNotFound       = "CONFIG_NOT_FOUND"
	CodeConfigUnrecognized   = "CONFIG_UNRECOGNIZED"
	CodePortDiscoveryTimeout = "PORT_DISCOVERY_TIMEOUT"
	CodeScreenshotFailed     = "SCREENSHOT_FAILED"
	CodeJudgeUnavailable     = "JUDGE_UNAVAILABLE"
	CodeCanceled             = "CANCELED"
	CodeInternal             = "INTERNAL"
)

// StageError records the state an attempt was in when it failed.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Classify maps an attempt error to a stable code. A nil error is CodeOK.
func Classify(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, artifact.ErrNoArtifact):
		return CodeNoArtifact
	case errors.Is(err, ErrFormatInvalid):
		return CodeFormatInvalid
	case errors.Is(err, workspace.ErrMaterializeFailed):
		return CodeMaterializeFailed
	case errors.Is(err, installer.ErrInstallFailed):
		return CodeInstallFailed
	case errors.Is(err, portalloc.ErrNoFreePort):
		return CodeNoFreePort
	case errors.Is(err, launcher.ErrConfigNotFound):
		return CodeConfigNotFound
	case errors.Is(err, launcher.ErrConfigUnrecognized):
		return CodeConfigUnrecognized
	case errors.Is(err, launcher.ErrPortDiscoveryTimeout):
		return CodePortDiscoveryTimeout
	case errors.Is(err, screenshot.ErrNoScreenshots):
		return CodeScreenshotFailed
	case errors.Is(err, judge.ErrJudgeUnavailable):
		return CodeJudgeUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	default:
		return CodeInternal
	}
}
