package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is replaced by BoostrapLogger at startup. Tests may swap it for logrus.New().
var Log = logrus.New()

func BoostrapLogger() {
	Log = &logrus.Logger{
		Out:   nil,
		Hooks: make(logrus.LevelHooks),
		Formatter: &logrus.TextFormatter{
			DisableColors:    false,
			DisableQuote:     false,
			DisableTimestamp: false,
			FullTimestamp:    true,
			TimestampFormat:  "",
		},
		ReportCaller: false,
		Level:        logrus.DebugLevel,
		ExitFunc:     nil,
	}

	Log.SetReportCaller(true)
	Log.Out = os.Stdout
}

// SetLevel applies a textual level such as "info" or "warn". Unknown levels keep the current one.
func SetLevel(level string) {
	if level == "" {
		return
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		Log.Warnf("LOGGING: unknown level %q, keeping %s", level, Log.GetLevel())
		return
	}
	Log.SetLevel(lvl)
}

// ForPoll returns an entry tagged with the poll and, when known, the participant.
func ForPoll(pollID, participantID string) *logrus.Entry {
	fields := logrus.Fields{"poll": pollID}
	if participantID != "" {
		fields["participant"] = participantID
	}
	return Log.WithFields(fields)
}
