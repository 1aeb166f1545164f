// Package plog provides the fixed-grammar logging used across the
// runner core: "<timestamp> <level> <pid> <tag> <message>".
package plog

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// fixedFormatter renders entries in the core's fixed log grammar. Of
// the structured fields it writes only "tag" and "pid" (as set by
// Tagged); any other field is dropped, so callers fold anything worth
// keeping into the message text.
type fixedFormatter struct{}

func (fixedFormatter) Format(e *logrus.Entry) ([]byte, error) {
	tag, _ := e.Data["tag"].(string)
	if tag == "" {
		tag = "-"
	}
	pid, _ := e.Data["pid"].(int)
	if pid == 0 {
		pid = os.Getpid()
	}
	line := fmt.Sprintf("%s %s %d %s %s\n",
		e.Time.UTC().Format(time.RFC3339Nano),
		levelTag(e.Level),
		pid,
		tag,
		e.Message,
	)
	return []byte(line), nil
}

func levelTag(l logrus.Level) string {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel:
		return "FATAL"
	case logrus.ErrorLevel:
		return "ERROR"
	case logrus.WarnLevel:
		return "WARN"
	case logrus.InfoLevel:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// New returns a logger writing the fixed grammar to w. Passing a nil
// w defaults to os.Stderr, matching the teacher's convention of never
// polluting stdout (which batched sessions and pipes treat as data).
func New(w io.Writer) *logrus.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(fixedFormatter{})
	l.SetLevel(logrus.DebugLevel)
	return l
}

// Tagged returns an entry pre-populated with a tag and the current
// process id, ready for Debugf/Infof/Errorf calls.
func Tagged(l *logrus.Logger, tag string) *logrus.Entry {
	return l.WithField("tag", tag).WithField("pid", os.Getpid())
}
