package logging

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
)

var sentryEnabled bool

// InitSentry enables error reporting when the user opted in and a DSN is known.
// TANGEM_AGENT_SENTRY=1/0 overrides the opt-in; TANGEM_AGENT_SENTRY_DSN overrides dsn.
func InitSentry(version, dsn string, crashReportingEnabled bool) bool {
	enabled := crashReportingEnabled
	switch os.Getenv("TANGEM_AGENT_SENTRY") {
	case "1":
		enabled = true
	case "0":
		enabled = false
	}
	if env := os.Getenv("TANGEM_AGENT_SENTRY_DSN"); env != "" {
		dsn = env
	}
	if !enabled || dsn == "" {
		return false
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "tangem-agent@" + version,
		Environment:      getEnvironment(),
		AttachStacktrace: true,
		TracesSampleRate: 0.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}

	sentryEnabled = true
	return true
}

func getEnvironment() string {
	if env := os.Getenv("TANGEM_AGENT_ENVIRONMENT"); env != "" {
		return env
	}
	return "production"
}

// SentryEnabled returns whether Sentry is currently enabled.
func SentryEnabled() bool {
	return sentryEnabled
}

// FlushSentry flushes buffered events. Call before exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

// CapturePanic sends a recovered panic with its stack.
func CapturePanic(panicValue interface{}, stack []byte, context string) {
	if !sentryEnabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", context)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)

		switch v := panicValue.(type) {
		case error:
			sentry.CaptureException(v)
		case string:
			sentry.CaptureMessage(v)
		default:
			sentry.CaptureMessage(fmt.Sprintf("%v", v))
		}
	})

	// the process may be about to exit
	sentry.Flush(2 * time.Second)
}

// CaptureError sends an error with extra context.
func CaptureError(err error, context string, data map[string]interface{}) {
	if !sentryEnabled || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_context", context)
		for k, v := range data {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

// CaptureSessionError reports a failed card session. Cancellations, busy
// rejections and card-reported conditions the user can fix by retrying are
// not sent.
func CaptureSessionError(err error, op, cardID string) {
	if !sentryEnabled || err == nil || !reportable(err) {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("operation", op)
		scope.SetTag("error_code", sdkerr.CodeOf(err).String())
		if cardID != "" {
			scope.SetTag("card_id", cardID)
		}
		sentry.CaptureException(err)
	})
}

func reportable(err error) bool {
	switch {
	case errors.Is(err, sdkerr.ErrUserCancelled),
		errors.Is(err, sdkerr.ErrBusy),
		errors.Is(err, sdkerr.ErrTagLost),
		sdkerr.IsCardIdentity(err):
		return false
	}
	return true
}
