package workers

import (
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// newCron builds a seconds-aware scheduler whose jobs never overlap
func newCron(logger *logrus.Logger) *cron.Cron {
	l := cronLogger{logger}
	return cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
}

// cronSpec converts a standard 5-field spec to the 6-field form expected
// with WithSeconds. Descriptors such as "@every 1m" pass through.
func cronSpec(schedule string) string {
	if fields := strings.Fields(schedule); len(fields) == 5 {
		return "0 " + schedule
	}
	return schedule
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	out := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			out[key] = keysAndValues[i+1]
		}
	}
	return out
}
