// Package action implements the cleanup actions run after every target
// termination.
package action

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Action must be idempotent.  Failures are logged, never returned.
type Action interface {
	Run(logger *slog.Logger)

	String() string
}

type DeleteFile struct {
	Path string
}

func (action DeleteFile) Run(logger *slog.Logger) {
	info, err := os.Lstat(action.Path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}

	if err == nil && info.IsDir() {
		err = fmt.Errorf("%s is a directory", action.Path)
	} else if err == nil {
		err = os.Remove(action.Path)
	}

	if err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("failed to delete file", "path", action.Path, "error", err)
	}
}

func (action DeleteFile) String() string {
	return "delete file " + action.Path
}

type DeleteDirectory struct {
	Path string
}

func (action DeleteDirectory) Run(logger *slog.Logger) {
	err := os.RemoveAll(action.Path)
	if err != nil {
		logger.Debug(
			"failed to delete directory",
			"path", action.Path,
			"error", err)
	}
}

func (action DeleteDirectory) String() string {
	return "delete directory " + action.Path
}

func RunAll(actions []Action, logger *slog.Logger) {
	for _, action := range actions {
		logger.Debug("running post-run action", "action", action.String())
		action.Run(logger)
	}
}
