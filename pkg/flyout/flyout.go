// Package flyout provides a desktop volume and media flyout controller that
// tracks the default audio device and the OS media sessions, and tells a
// hosting shell what to render when a volume or media key is pressed.
package flyout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/modernflyouts/flyout/pkg/flyout/util"
)

const (
	// EnvNoTray disables the tray icon when set.
	EnvNoTray = "FLYOUT_NO_TRAY_ICON"

	disableTimeout = 2 * time.Second
)

// Flyout is the main entity managing access to all sub-components
type Flyout struct {
	logger     *zap.SugaredLogger
	notifier   Notifier
	config     *CanonicalConfig
	dispatcher *Dispatcher
	audio      AudioSystem
	shell      *WebSocketShell
	controller *FlyoutController
	serial     *SerialIO

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	configReloaded       chan bool
	serialConfigReloaded chan bool
	serialCommands       chan TriggerCommand

	stopChannel chan bool
	stopKeyHook func()
	version     string
	verbose     bool
	console     bool
	tray        bool
}

// NewFlyout creates a Flyout instance
func NewFlyout(logger *zap.SugaredLogger, verbose bool, console bool) (*Flyout, error) {
	logger = logger.Named("flyout")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	audio, err := newAudioSystem(logger)
	if err != nil {
		logger.Errorw("Failed to connect to audio system", "error", err)
		return nil, fmt.Errorf("create new AudioSystem: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	dispatcher := NewDispatcher(logger)
	shell := NewWebSocketShell(logger)
	controller := NewFlyoutController(ctx, logger, dispatcher, audio, newMediaSessionProvider(logger), shell, DefaultSettings())
	shell.SetController(controller)

	serial, err := NewSerialIO(logger, config)
	if err != nil {
		cancel()
		logger.Errorw("Failed to create SerialIO", "error", err)
		return nil, fmt.Errorf("create new SerialIO: %w", err)
	}

	f := &Flyout{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		dispatcher:  dispatcher,
		audio:       audio,
		shell:       shell,
		controller:  controller,
		serial:      serial,
		ctx:         ctx,
		cancel:      cancel,
		stopChannel: make(chan bool, 1),
		verbose:     verbose,
		console:     console,
	}

	// subscribe before the tray or the watcher can reload the config
	f.configReloaded = config.SubscribeToChanges()
	f.serialConfigReloaded = config.SubscribeToChanges()
	f.serialCommands = serial.SubscribeToCommands()

	logger.Debug("Created flyout instance")

	return f, nil
}

// Initialize sets up components and starts to run in the background
func (f *Flyout) Initialize() error {
	f.logger.Debug("Initializing")

	if err := f.config.Load(); err != nil {
		f.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	f.setupInterruptHandler()

	// the console owns the terminal, and the tray would otherwise block it
	if os.Getenv(EnvNoTray) != "" || f.console {
		f.logger.Debugw("Running without tray icon", "console", f.console)
		f.run()
	} else {
		f.tray = true
		f.initializeTray(f.run)
	}

	return nil
}

// SetVersion causes flyout to add a version string to its tray menu if called before Initialize
func (f *Flyout) SetVersion(version string) {
	f.version = version
}

// Verbose returns a boolean indicating whether flyout is running in verbose mode
func (f *Flyout) Verbose() bool {
	return f.verbose
}

func (f *Flyout) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		f.logger.Debugw("Interrupted", "signal", signal)
		f.signalStop()
	}()
}

func (f *Flyout) run() {
	defer f.recoverFromPanic()

	f.logger.Info("Run loop starting")

	f.wg.Go(func() { f.dispatcher.Run(f.ctx) })
	f.wg.Go(func() { f.shell.Run(f.ctx) })
	f.wg.Go(f.serveShell)

	go f.config.WatchConfigFileChanges()
	go f.serial.WatchConfigChanges(f.serialConfigReloaded)
	go f.applyConfigChanges(f.configReloaded)
	go f.applyTriggerCommands(f.serialCommands)

	f.applyConfig()

	if err := f.serial.Start(); err != nil {
		f.handleSerialError(err)
	}

	f.startKeyHook()

	if f.console {
		f.wg.Go(func() {
			if err := NewConsole(f.logger, f.controller, f.signalStop).Run(f.ctx); err != nil {
				f.logger.Warnw("Console stopped", "error", err)
			}
		})
	}

	<-f.stopChannel
	f.logger.Debug("Stop channel signaled, terminating")

	if err := f.stop(); err != nil {
		f.logger.Warnw("Failed to stop flyout", "error", err)
		os.Exit(1)
	}

	// exit with 0
	os.Exit(0)
}

func (f *Flyout) serveShell() {
	address := f.config.ShellAddress()

	if err := f.shell.ListenAndServe(f.ctx, address); err != nil {
		f.logger.Warnw("Hosting shell stopped", "address", address, "error", err)
		f.notifier.Notify("Can't start flyout shell!",
			fmt.Sprintf("Make sure nothing else is listening on %s.", address))
	}
}

// applyConfig pushes the current settings and module switch to the controller
func (f *Flyout) applyConfig() {
	f.controller.UpdateSettings(f.config.DisplaySettings())

	if f.config.AudioModuleEnabled() {
		f.controller.Enable()
	} else {
		f.controller.Disable()
	}
}

func (f *Flyout) applyConfigChanges(configReloaded chan bool) {
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-configReloaded:
			f.logger.Debug("Applying reloaded config")
			f.applyConfig()
		}
	}
}

func (f *Flyout) applyTriggerCommands(commands chan TriggerCommand) {
	for {
		select {
		case <-f.ctx.Done():
			return
		case cmd := <-commands:
			f.logger.Debugw("Applying trigger command", "command", cmd)
			cmd.Apply(f.controller)
		}
	}
}

func (f *Flyout) startKeyHook() {
	stop, err := startKeyHook(f.logger, f.controller.RequestShow)
	if err != nil {
		if errors.Is(err, errKeyHookUnsupported) {
			f.logger.Debug("No global key hook on this platform")
		} else {
			f.logger.Warnw("Failed to install key hook", "error", err)
		}
		return
	}

	f.stopKeyHook = stop
}

func (f *Flyout) handleSerialError(err error) {
	connectionInfo := f.config.ConnectionInfo()

	switch {
	case errors.Is(err, errSerialDisabled):
		f.logger.Debug("No COM port configured, serial trigger disabled")

	case errors.Is(err, os.ErrPermission):
		f.logger.Warnw("Serial port seems busy, notifying user", "comPort", connectionInfo.COMPort)
		f.notifier.Notify(fmt.Sprintf("Can't connect to %s!", connectionInfo.COMPort),
			"This serial port is busy, make sure to close any serial monitor or other app using it.")

	case errors.Is(err, os.ErrNotExist):
		f.logger.Warnw("Provided COM port seems wrong, notifying user", "comPort", connectionInfo.COMPort)
		f.notifier.Notify(fmt.Sprintf("Can't connect to %s!", connectionInfo.COMPort),
			"This serial port doesn't exist, check your configuration and make sure it's set correctly.")

	default:
		f.logger.Warnw("Failed to start serial trigger", "error", err)
	}
}

// signalStop never blocks; a stop already in flight absorbs later calls
func (f *Flyout) signalStop() {
	f.logger.Debug("Signalling stop channel")

	select {
	case f.stopChannel <- true:
	default:
	}
}

func (f *Flyout) stop() error {
	f.logger.Info("Stopping")

	var err error

	f.config.StopWatchingConfigFile()
	f.serial.Stop()

	if f.stopKeyHook != nil {
		f.stopKeyHook()
	}

	// release device and session handles on the controller context before it stops
	f.controller.Disable()

	disableCtx, cancel := context.WithTimeout(f.ctx, disableTimeout)
	err = multierr.Append(err, f.dispatcher.Invoke(disableCtx, func() {}))
	cancel()

	f.cancel()
	f.wg.Wait()

	if releaseErr := f.audio.Release(); releaseErr != nil {
		err = multierr.Append(err, fmt.Errorf("release audio system: %w", releaseErr))
	}

	if f.tray {
		f.stopTray()
	}

	// attempt to sync the logger; errors here are meaningless on terminals
	_ = f.logger.Sync()

	return err
}
