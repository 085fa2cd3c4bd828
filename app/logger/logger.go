// Package logger configures the global lgr logger with independently
// filtered stdout and file sinks. lgr itself only gates DEBUG records, so
// each sink re-filters whole records by the level token in braces.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/go-pkgz/lgr"
)

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
	levelOff
)

// Setup installs the default lgr logger per the logging config. With dbg
// true both sinks log everything and records carry caller information.
func Setup(stdoutLevel, file, fileLevel string, dbg bool) error {
	stdoutLvl := parseLevel(stdoutLevel)
	fileLvl := parseLevel(fileLevel)
	if dbg {
		stdoutLvl, fileLvl = levelDebug, levelDebug
	}

	sinks := []io.Writer{levelWriter{w: os.Stdout, min: stdoutLvl}}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path comes from the operator's config
		if err != nil {
			return fmt.Errorf("open log file %s: %w", file, err)
		}
		sinks = append(sinks, levelWriter{w: f, min: fileLvl})
	}

	opts := []log.Option{log.Msec, log.LevelBraces, log.Out(io.MultiWriter(sinks...))}
	if stdoutLvl == levelDebug || fileLvl == levelDebug {
		opts = append(opts, log.Debug)
	}
	if dbg {
		opts = append(opts, log.CallerFile, log.CallerFunc)
	}
	log.Setup(opts...)
	return nil
}

func parseLevel(s string) level {
	switch strings.ToLower(s) {
	case "off":
		return levelOff
	case "error":
		return levelError
	case "warn":
		return levelWarn
	case "debug":
		return levelDebug
	default:
		return levelInfo
	}
}

// levelWriter drops records below min. lgr delivers one record per Write
// call with the level in braces, so scanning the first bracket pair is
// enough; records without one (continuation of stack traces) pass through.
type levelWriter struct {
	w   io.Writer
	min level
}

func (lw levelWriter) Write(p []byte) (int, error) {
	if recordLevel(p) < lw.min {
		return len(p), nil
	}
	return lw.w.Write(p)
}

func recordLevel(p []byte) level {
	start := bytes.IndexByte(p, '[')
	if start < 0 {
		return levelInfo
	}
	rest := p[start+1:]
	end := bytes.IndexByte(rest, ']')
	if end < 0 {
		return levelInfo
	}
	switch string(rest[:end]) {
	case "DEBUG":
		return levelDebug
	case "WARN":
		return levelWarn
	case "ERROR", "PANIC", "FATAL":
		return levelError
	default:
		return levelInfo
	}
}
