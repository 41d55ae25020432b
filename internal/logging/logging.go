// Package logging builds the go-kit loggers used by the handoff commands.
package logging

import (
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Levels lists the accepted level names, most verbose first.
var Levels = []string{"debug", "info", "warn", "error"}

// ParseLevel maps a level name to a filter option.
func ParseLevel(s string) (level.Option, error) {
	switch s {
	case "debug":
		return level.AllowDebug(), nil
	case "info", "":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	}
	return nil, fmt.Errorf("unknown log level %q, expected one of %v", s, Levels)
}

// New returns a logfmt logger writing to w that drops entries below lvl.
// format is "logfmt" or "json".
func New(w io.Writer, lvl, format string) (log.Logger, error) {
	allow, err := ParseLevel(lvl)
	if err != nil {
		return nil, err
	}

	var logger log.Logger
	switch format {
	case "logfmt", "":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	logger = level.NewFilter(logger, allow)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}
