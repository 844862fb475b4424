package testlog

import (
	"testing"

	"github.com/danmuck/edgeipc/internal/logging"
)

// Start configures test logging and tags the run with the test name.
func Start(t *testing.T) *logging.Logger {
	t.Helper()
	logging.ConfigureTests()
	l := logging.New("test").With("test", t.Name())
	l.Infof("test=%s", t.Name())
	return l
}
