package rtmp

import (
	"context"
	"io"
	"log/slog"

	"github.com/sirupsen/logrus"
)

// slogHook forwards go-rtmp's logrus entries to the service logger
type slogHook struct {
	log *slog.Logger
}

func (h slogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h slogHook) Fire(e *logrus.Entry) error {
	attrs := make([]any, 0, len(e.Data)*2)
	for k, v := range e.Data {
		attrs = append(attrs, k, v)
	}
	h.log.Log(context.Background(), slogLevel(e.Level), e.Message, attrs...)
	return nil
}

// slogLevel maps logrus levels down one step; go-rtmp logs every chunk
// stream event at info
func slogLevel(l logrus.Level) slog.Level {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return slog.LevelError
	case logrus.WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

func newConnLogger(log *slog.Logger) logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.WarnLevel)
	if log.Enabled(context.Background(), slog.LevelDebug) {
		l.SetLevel(logrus.DebugLevel)
	}
	l.AddHook(slogHook{log: log.With("lib", "go-rtmp")})
	return l
}
