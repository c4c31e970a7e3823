// Package logging configures logrus for the bridge. The "gce" format emits one
// JSON object per line with the field names Google Cloud Logging understands.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var levels = map[string]logrus.Level{
	"error": logrus.ErrorLevel,
	"warn":  logrus.WarnLevel,
	"info":  logrus.InfoLevel,
	"debug": logrus.DebugLevel,
}

// New builds a logger writing to stderr.
func New(level, format string) *logrus.Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter builds a logger writing to w. Unknown levels fall back to info.
func NewWithWriter(w io.Writer, level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)

	lvl, ok := levels[level]
	if !ok {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if format == "gce" {
		logger.SetFormatter(&GCEFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type severity string

const (
	severityDEBUG    severity = "DEBUG"
	severityINFO     severity = "INFO"
	severityWARNING  severity = "WARNING"
	severityERROR    severity = "ERROR"
	severityCRITICAL severity = "CRITICAL"
	severityALERT    severity = "ALERT"
)

var levelsLogrusToGCE = map[logrus.Level]severity{
	logrus.TraceLevel: severityDEBUG,
	logrus.DebugLevel: severityDEBUG,
	logrus.InfoLevel:  severityINFO,
	logrus.WarnLevel:  severityWARNING,
	logrus.ErrorLevel: severityERROR,
	logrus.FatalLevel: severityCRITICAL,
	logrus.PanicLevel: severityALERT,
}

// GCEFormatter renders entries as Cloud Logging structured JSON.
type GCEFormatter struct{}

func (f *GCEFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// encoding/json drops error values otherwise
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	data["time"] = entry.Time.Format(time.RFC3339Nano)
	data["severity"] = levelsLogrusToGCE[entry.Level]
	data["message"] = entry.Message

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields to JSON, %v", err)
	}
	return append(serialized, '\n'), nil
}
