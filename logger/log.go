// Package logger provides a durable audit trail of job outcomes,
// generalized from the teacher's per-recipient success/failure CSV log to
// per-job completion/failure records, plus package-level Warnf/Errorf
// helpers on logrus's standard logger. Components take a *logrus.Logger
// (see New) as their logger dependency.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var std = logrus.StandardLogger()

// LogJobCompleted logs and appends a completed job to the audit CSV.
func LogJobCompleted(jobID, topic string) {
	std.Infof("job %s (topic %s) completed", jobID, topic)
	appendToCSV("completed.csv", jobID, topic, "OK")
}

// LogJobFailed logs and appends a terminally failed job to the audit CSV.
func LogJobFailed(jobID, topic, reason string) {
	std.Errorf("job %s (topic %s) failed permanently: %s", jobID, topic, reason)
	appendToCSV("failed.csv", jobID, topic, "Failed")
}

// appendToCSV writes one audit entry to the named CSV file.
func appendToCSV(filename, jobID, topic, status string) {
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		std.Errorf("could not write to audit log %s: %v", filename, err)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			std.Errorf("could not close audit log %s: %v", filename, err)
		}
	}()

	if _, err := fmt.Fprintf(f, "%s,%s,%s\n", jobID, topic, status); err != nil {
		std.Errorf("error writing to audit log %s: %v", filename, err)
	}
}

// Errorf logs an error message with formatting.
func Errorf(format string, v ...any) { std.Errorf(format, v...) }

// Warnf logs a warning message with formatting.
func Warnf(format string, v ...any) { std.Warnf(format, v...) }
