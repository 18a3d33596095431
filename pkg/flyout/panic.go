package flyout

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/modernflyouts/flyout/pkg/flyout/util"
)

const (
	crashlogFilename        = "flyout-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `-----------------------------------------------------------------
                        flyout crashlog
-----------------------------------------------------------------
flyout has crashed. Please attach this file when reporting the issue.
-----------------------------------------------------------------
Time: %s
Panic occurred: %s
Stack trace:
%s
-----------------------------------------------------------------
`
)

func (f *Flyout) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	f.handlePanic(r)
}

func (f *Flyout) handlePanic(recoverValue interface{}) {
	now := time.Now()
	crashlogPath := filepath.Join(logDirectory, fmt.Sprintf(crashlogFilename, now.Format(crashlogTimestampFormat)))

	if err := util.EnsureDirExists(logDirectory); err != nil {
		panic(fmt.Errorf("ensure crashlog dir exists: %w", err))
	}

	if err := os.WriteFile(crashlogPath, crashLogContent(now, recoverValue), 0644); err != nil {
		panic(fmt.Errorf("write crashlog file: %w", err))
	}

	f.logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", crashlogPath,
		"error", recoverValue)

	f.notifier.Notify("Unexpected crash occurred...",
		fmt.Sprintf("More details in %s", crashlogPath))

	f.signalStop()

	f.logger.Errorw("Quitting", "exitCode", 1)
	os.Exit(1)
}

func crashLogContent(timestamp time.Time, recoverValue interface{}) []byte {
	return []byte(fmt.Sprintf(crashMessage,
		timestamp.Format(crashlogTimestampFormat),
		recoverValue,
		debug.Stack()))
}
