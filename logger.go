package i64shim

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/i64shim/lower"
	"github.com/wippyai/i64shim/patch"
	"github.com/wippyai/i64shim/scan"
	"github.com/wippyai/i64shim/verify"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the root package's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the logger of this package and of every stage.
// This must be called before any Transform.
func SetLogger(l *zap.Logger) {
	logger = l
	scan.SetLogger(l.Named("scan"))
	lower.SetLogger(l.Named("lower"))
	patch.SetLogger(l.Named("patch"))
	verify.SetLogger(l.Named("verify"))
}
