package logger

import "github.com/sirupsen/logrus"

// New returns a *logrus.Logger, the shared handle every package in the
// substrate threads through as its Logger dependency. component is
// recorded as a hook-applied field on every entry emitted by the
// returned logger.
func New(component string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if component != "" {
		l.AddHook(componentHook(component))
	}
	return l
}

type componentHook string

func (h componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h componentHook) Fire(e *logrus.Entry) error {
	e.Data["component"] = string(h)
	return nil
}
