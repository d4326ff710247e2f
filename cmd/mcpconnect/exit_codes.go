package main

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"

	bolterrors "go.etcd.io/bbolt/errors"

	"github.com/u2sebau2/librechat-custom-sub004/internal/flow"
	"github.com/u2sebau2/librechat-custom-sub004/internal/oauth"
	"github.com/u2sebau2/librechat-custom-sub004/internal/upstream"
)

// Process exit codes. Scripts driving `mcpconnect call` branch on the
// authorization codes to decide whether a user has to open a browser.
const (
	ExitCodeSuccess         = 0
	ExitCodeGeneralError    = 1
	ExitCodePortConflict    = 2
	ExitCodeDBLocked        = 3
	ExitCodeConfigError     = 4
	ExitCodePermissionError = 5
	ExitCodeOAuthRequired   = 6
	ExitCodeOAuthCanceled   = 7
	ExitCodeTimeout         = 8
)

var exitCodeDescriptions = map[int]string{
	ExitCodeSuccess:         "Success",
	ExitCodeGeneralError:    "General error",
	ExitCodePortConflict:    "Listen address already in use",
	ExitCodeDBLocked:        "Token database locked by another process",
	ExitCodeConfigError:     "Configuration error",
	ExitCodePermissionError: "Permission denied",
	ExitCodeOAuthRequired:   "Server requires OAuth authorization for this user",
	ExitCodeOAuthCanceled:   "OAuth authorization was canceled",
	ExitCodeTimeout:         "Timed out waiting for the server or the OAuth flow",
}

func exitCodeDescription(code int) string {
	if desc, ok := exitCodeDescriptions[code]; ok {
		return desc
	}
	return "Unknown error"
}

// exitCodeFor maps a command error onto an exit code. Authorization outcomes
// are checked before timeouts because a canceled flow wraps the waiter's
// context error.
func exitCodeFor(err error) int {
	var cfgErr *configError
	var opErr *net.OpError
	switch {
	case err == nil:
		return ExitCodeSuccess
	case errors.As(err, &cfgErr):
		return ExitCodeConfigError
	case oauth.IsCanceled(err):
		return ExitCodeOAuthCanceled
	case errors.Is(err, upstream.ErrOAuthRequired), errors.Is(err, upstream.ErrOAuthPending):
		return ExitCodeOAuthRequired
	case errors.Is(err, flow.ErrFlowExpired),
		errors.Is(err, upstream.ErrConnectionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ExitCodeTimeout
	case errors.Is(err, bolterrors.ErrTimeout):
		return ExitCodeDBLocked
	case errors.Is(err, syscall.EADDRINUSE):
		return ExitCodePortConflict
	case errors.Is(err, os.ErrPermission):
		return ExitCodePermissionError
	case errors.As(err, &opErr) && opErr.Op == "listen":
		return ExitCodePortConflict
	}
	return ExitCodeGeneralError
}
