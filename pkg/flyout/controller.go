package flyout

import (
	"context"

	"go.uber.org/zap"
)

// HostingShell renders the flyout. It owns positioning, animation and dismissal.
type HostingShell interface {
	// ShowFlyout asks the shell to show the flyout now.
	ShowFlyout()

	// StateChanged delivers the current slot content and visibility.
	StateChanged(view FlyoutView)
}

type noopShell struct{}

func (noopShell) ShowFlyout()             {}
func (noopShell) StateChanged(FlyoutView) {}

// FlyoutView is everything the hosting shell needs to render both slots.
type FlyoutView struct {
	FlyoutState

	Enabled  bool               `json:"enabled"`
	Volume   VolumeControlState `json:"volume"`
	Sessions []SessionInfo      `json:"sessions"`
	Settings Settings           `json:"settings"`
}

// FlyoutController owns the bridge, the volume synchronizer and the media
// aggregator, and decides what the flyout shows. Its exported methods may be
// called from any goroutine; they only enqueue work on the dispatcher.
type FlyoutController struct {
	logger     *zap.SugaredLogger
	dispatcher *Dispatcher
	shell      HostingShell

	bridge *deviceBridge
	volume *VolumeSynchronizer
	media  *MediaSessionAggregator

	settings Settings
	trigger  TriggerKind
	state    FlyoutState
	enabled  bool
}

// NewFlyoutController creates a disabled controller. Call Enable to start tracking devices and sessions.
func NewFlyoutController(
	ctx context.Context,
	logger *zap.SugaredLogger,
	dispatcher *Dispatcher,
	audio AudioSystem,
	media MediaSessionProvider,
	shell HostingShell,
	settings Settings,
) *FlyoutController {
	if shell == nil {
		shell = noopShell{}
	}

	c := &FlyoutController{
		logger:     logger.Named("controller"),
		dispatcher: dispatcher,
		shell:      shell,
		settings:   settings,
		trigger:    TriggerVolume,
	}

	c.bridge = newDeviceBridge(logger, dispatcher, audio)
	c.volume = newVolumeSynchronizer(logger, c.bridge, c.recompute)
	c.media = newMediaSessionAggregator(ctx, logger, dispatcher, media, func(bool) { c.recompute() })
	c.media.onInfoChanged = c.publish

	c.logger.Debugw("Created flyout controller instance", "settings", settings)

	return c
}

// Enable subscribes to device and session notifications and restores the slots.
func (c *FlyoutController) Enable() {
	c.dispatcher.Post(c.enable)
}

// Disable unsubscribes from everything, clears the primary slot and hides both slots.
func (c *FlyoutController) Disable() {
	c.dispatcher.Post(c.disable)
}

// RequestShow is called by trigger sources when a volume or media key is pressed.
func (c *FlyoutController) RequestShow(isMediaKeyTrigger bool) {
	c.dispatcher.Post(func() {
		c.requestShow(isMediaKeyTrigger)
	})
}

// UpdateSettings applies changed display preferences immediately.
func (c *FlyoutController) UpdateSettings(settings Settings) {
	c.dispatcher.Post(func() {
		if settings == c.settings {
			return
		}

		c.logger.Debugw("Display settings changed", "settings", settings)
		c.settings = settings
		c.recompute()
	})
}

// OnUserMovedSlider forwards a slider drag to the volume synchronizer.
func (c *FlyoutController) OnUserMovedSlider(value float64) {
	c.dispatcher.Post(func() {
		c.volume.OnUserMovedSlider(value)
	})
}

// OnUserScrolled forwards wheel notches over the volume control.
func (c *FlyoutController) OnUserScrolled(delta int) {
	c.dispatcher.Post(func() {
		c.volume.OnUserScrolled(delta)
	})
}

// OnUserClickedMuteToggle forwards a click on the volume glyph.
func (c *FlyoutController) OnUserClickedMuteToggle() {
	c.dispatcher.Post(c.volume.OnUserClickedMuteToggle)
}

// ControlSession sends a transport command to a media session.
func (c *FlyoutController) ControlSession(id string, cmd TransportCommand) {
	c.dispatcher.Post(func() {
		if err := c.media.Control(id, cmd); err != nil {
			c.logger.Warnw("Failed to control media session", "session", id, "command", cmd, "error", err)
			return
		}
		c.publish()
	})
}

// Snapshot returns the current view as seen from the controller context.
func (c *FlyoutController) Snapshot(ctx context.Context) (FlyoutView, error) {
	var view FlyoutView

	err := c.dispatcher.Invoke(ctx, func() {
		view = c.view()
	})

	return view, err
}

func (c *FlyoutController) enable() {
	if c.enabled {
		return
	}

	c.logger.Info("Enabling audio flyout")
	c.enabled = true

	if err := c.bridge.subscribe(c.onDefaultDeviceChanged); err != nil {
		c.logger.Warnw("Continuing without default device notifications", "error", err)
	}

	c.volume.SetDevice(c.bridge.currentDevice())
	c.media.Attach()
	c.recompute()
}

func (c *FlyoutController) disable() {
	if !c.enabled {
		return
	}

	c.logger.Info("Disabling audio flyout")
	c.enabled = false

	c.bridge.unsubscribe()
	c.volume.Release()
	c.media.Detach()
	c.recompute()
}

func (c *FlyoutController) requestShow(isMediaKeyTrigger bool) {
	if !c.enabled {
		c.logger.Debug("Dropping show request, flyout disabled")
		return
	}

	if isMediaKeyTrigger && !c.media.Available() {
		c.logger.Debug("Dropping media show request, no media sessions")
		return
	}

	if !isMediaKeyTrigger && !c.volume.DeviceAvailable() {
		c.logger.Debug("Dropping volume show request, no audio device")
		return
	}

	c.trigger = TriggerVolume
	if isMediaKeyTrigger {
		c.trigger = TriggerMedia
	}

	c.recompute()
	c.shell.ShowFlyout()
}

func (c *FlyoutController) onDefaultDeviceChanged(device AudioDevice) {
	c.volume.SetDevice(device)
}

// recompute sets all slot fields together from the current inputs
func (c *FlyoutController) recompute() {
	if !c.enabled {
		c.state = FlyoutState{Trigger: c.trigger}
	} else {
		c.state = Arbitrate(ArbitrationInput{
			Trigger:          c.trigger,
			DeviceAvailable:  c.volume.DeviceAvailable(),
			SessionAvailable: c.media.Available(),
			Settings:         c.settings,
		})
	}

	c.publish()
}

func (c *FlyoutController) publish() {
	c.shell.StateChanged(c.view())
}

func (c *FlyoutController) view() FlyoutView {
	return FlyoutView{
		FlyoutState: c.state,
		Enabled:     c.enabled,
		Volume:      c.volume.Control().State(),
		Sessions:    c.media.Sessions(),
		Settings:    c.settings,
	}
}
