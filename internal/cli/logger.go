package cli

import (
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger writes to stderr: console lines on a terminal, JSON otherwise.
// Without --verbose only warnings and errors are logged.
func newLogger(globals *Globals) *zap.Logger {
	if globals == nil || globals.Stderr == nil {
		return zap.NewNop()
	}

	level := zap.NewAtomicLevelAt(zap.WarnLevel)
	if globals.Verbose {
		level.SetLevel(zap.DebugLevel)
	}

	var encoder zapcore.Encoder
	if isTerminal(globals.Stderr) {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(globals.Stderr), level)
	return zap.New(core).Named("replaykit")
}

func isTerminal(w interface{}) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
