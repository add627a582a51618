// Package common provides the nucleus engine's shared logging
// infrastructure: a global logrus instance with stream-split output so
// error-level entries land on stderr and everything else on stdout,
// which keeps container log collectors from treating normal traffic as
// an error signal.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes logrus output to stderr for error-level entries
// and stdout for everything else.
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the shared logrus instance engine instances default to when
// no logger is supplied.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
