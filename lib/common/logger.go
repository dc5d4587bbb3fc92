package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// dClaimLogger implements the ILogger interface with custom formatting
type dClaimLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *dClaimLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *dClaimLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *dClaimLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *dClaimLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *dClaimLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *dClaimLogger) Panicf(format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	if l.level >= logger.CRITICAL {
		l.log("CRIT", "%s", message)
	}
	panic(message)
}

func (l *dClaimLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s [%s] %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// Output is where every logger created by CreateLogger writes to.
// Results of CLI commands go to stdout, so logs default to stderr.
var Output io.Writer = os.Stderr

// CreateLogger implements dragonboats logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	return &dClaimLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: log.New(Output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	case "critical", "crit":
		return logger.CRITICAL, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error, critical", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

var (
	// loggers of dClaim itself
	dClaimLoggers = []string{
		"failure", "locking", "evstore", "idauthority", "lockmgr",
		"store", "lstore", "dstore", "birch", "pebbledb", "cli",
	}

	// dragonboat internals
	raftLoggers = []string{
		"raft", "raftpb", "rsm", "transport", "dragonboat", "logdb", "grpc", "util", "config",
	}
)

// InitLoggers installs the dClaim logger factory and sets the level of every known logger.
// Dragonboat loggers are capped at warning.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)

	for _, name := range dClaimLoggers {
		logger.GetLogger(name).SetLevel(lvl)
	}

	raftLevel := lvl
	if raftLevel > logger.WARNING {
		raftLevel = logger.WARNING
	}
	for _, name := range raftLoggers {
		logger.GetLogger(name).SetLevel(raftLevel)
	}
	return nil
}
