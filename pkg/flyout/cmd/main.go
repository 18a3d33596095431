package main

import (
	"flag"
	"fmt"

	"github.com/modernflyouts/flyout/pkg/flyout"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose bool
	console bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging device and session tracking)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.BoolVar(&console, "console", false, "read trigger commands from the terminal (disables the tray icon)")
	flag.Parse()
}

func main() {
	// first we need a logger
	logger, err := flyout.NewLogger(buildType, verbose)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	// provide a fair warning if the user's running in verbose mode
	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	f, err := flyout.NewFlyout(logger, verbose, console)
	if err != nil {
		named.Fatalw("Failed to create flyout object", "error", err)
	}

	// if injected by build process, set version info to show up in the tray
	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		f.SetVersion(fmt.Sprintf("Version %s-%s", buildType, identifier))
	}

	if err = f.Initialize(); err != nil {
		named.Fatalw("Failed to initialize flyout", "error", err)
	}
}
