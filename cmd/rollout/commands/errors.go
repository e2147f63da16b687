package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/rollout/pkg/engine"
)

// exitError ends the command with a specific exit code. A nil err exits
// silently; the command already printed its outcome.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(code int) error {
	if code == 0 {
		return nil
	}
	return &exitError{code: code}
}

// reportError prints err and returns the process exit code.
func reportError(w io.Writer, err error) int {
	code := 1
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
		if ee.err == nil {
			return code
		}
		err = ee.err
	}

	var de *engine.DeployError
	if !errors.As(err, &de) {
		fmt.Fprintln(w, styleErrorBox.Render(styleFail.Render("error: ")+err.Error()))
		return code
	}

	lines := []string{styleFail.Render(fmt.Sprintf("%s error", de.Kind)) + " " + de.Message}
	if de.Code != "" {
		lines = append(lines, keyValue("code", de.Code))
	}
	if de.PlanID != "" {
		lines = append(lines, keyValue("plan", de.PlanID))
	}
	if de.StageID != "" {
		lines = append(lines, keyValue("stage", de.StageID))
	}
	if de.Err != nil {
		lines = append(lines, keyValue("cause", de.Err.Error()))
	}
	fmt.Fprintln(w, styleErrorBox.Render(strings.Join(lines, "\n")))
	return code
}
