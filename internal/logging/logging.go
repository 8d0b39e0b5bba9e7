// Package logging configures the process-wide logger every walb binary
// shares, following the teacher's pattern of a package-level logrus
// instance wrapped by github.com/mendersoftware/log (log.SetLevel,
// log.SetOutput) rather than threading a *logrus.Logger through every
// call site.
package logging

import (
	"io"
	"os"

	"github.com/mendersoftware/log"
	"github.com/sirupsen/logrus"
)

// Setup configures the shared logger's level and destination. levelName
// follows logrus's names ("debug", "info", "warning", ...); an unknown
// name falls back to "info" rather than failing daemon startup over a
// typo in a config file.
func Setup(levelName string, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	log.SetOutput(out)

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		log.Warnf("logging: unknown level %q, defaulting to info", levelName)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}
