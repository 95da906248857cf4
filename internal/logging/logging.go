// Package logging configures the process-wide log15 root handler.
package logging

import (
	"os"
	"path/filepath"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup routes the root logger to the terminal, filtered at level. When file
// is set, records are also written there in logfmt with size-based rotation.
func Setup(level, file string) error {
	lvl, err := log15.LvlFromString(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}

	handler := log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, log15.TerminalFormat()))
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return errors.Wrap(err, "failed to create log directory")
		}
		handler = log15.MultiHandler(handler, FileHandler(file, lvl))
	}
	log15.Root().SetHandler(handler)
	return nil
}

// FileHandler writes logfmt records at or above lvl to a rotating file.
func FileHandler(file string, lvl log15.Lvl) log15.Handler {
	out := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    100,
		MaxBackups: 14,
		MaxAge:     14,
		Compress:   true,
		LocalTime:  true,
	}
	return log15.LvlFilterHandler(lvl, log15.StreamHandler(out, log15.LogfmtFormat()))
}
