package flyout

import (
	"github.com/getlantern/systray"
	"go.uber.org/zap"

	"github.com/modernflyouts/flyout/pkg/flyout/icon"
	"github.com/modernflyouts/flyout/pkg/flyout/util"
)

const (
	moduleEnabledTitle   = "Audio flyout"
	moduleEnabledTooltip = "Show the flyout when volume or media keys are pressed"

	mediaInVolumeTitle   = "Show media controls with volume"
	mediaInVolumeTooltip = "Show media sessions below the volume slider"

	volumeInMediaTitle   = "Show volume with media controls"
	volumeInMediaTooltip = "Show the volume slider below media sessions"

	showFlyoutTitle   = "Show flyout"
	showFlyoutTooltip = "Show the volume flyout now"

	editConfigTitle   = "Edit configuration"
	editConfigTooltip = "Open config file with your text editor"

	quitTitle   = "Quit"
	quitTooltip = "Stop flyout and quit"
)

type trayItems struct {
	moduleEnabled *systray.MenuItem
	mediaInVolume *systray.MenuItem
	volumeInMedia *systray.MenuItem
	showFlyout    *systray.MenuItem
	editConfig    *systray.MenuItem
	quit          *systray.MenuItem
}

func (f *Flyout) initializeTray(onDone func()) {
	logger := f.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(icon.FlyoutLogo, icon.FlyoutLogo)
		systray.SetTitle("flyout")
		systray.SetTooltip("flyout")

		settings := f.config.DisplaySettings()

		items := trayItems{
			moduleEnabled: systray.AddMenuItemCheckbox(moduleEnabledTitle, moduleEnabledTooltip, f.config.AudioModuleEnabled()),
		}

		systray.AddSeparator()
		items.mediaInVolume = systray.AddMenuItemCheckbox(mediaInVolumeTitle, mediaInVolumeTooltip, settings.ShowMediaInVolumeFlyout)
		items.volumeInMedia = systray.AddMenuItemCheckbox(volumeInMediaTitle, volumeInMediaTooltip, settings.ShowVolumeInMediaFlyout)

		systray.AddSeparator()
		items.showFlyout = systray.AddMenuItem(showFlyoutTitle, showFlyoutTooltip)
		items.editConfig = systray.AddMenuItem(editConfigTitle, editConfigTooltip)

		if f.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(f.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		items.quit = systray.AddMenuItem(quitTitle, quitTooltip)

		go f.handleTrayActions(logger, items)

		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (f *Flyout) handleTrayActions(logger *zap.SugaredLogger, items trayItems) {
	for {
		select {
		case <-items.quit.ClickedCh:
			logger.Info("Quit menu item clicked, stopping")
			f.signalStop()

		case <-items.editConfig.ClickedCh:
			logger.Info("Edit config menu item clicked, opening config for editing")

			if err := util.OpenExternal(logger, getEditor(), userConfigFilepath); err != nil {
				logger.Warnw("Failed to open config file for editing", "error", err)
			}

		case <-items.showFlyout.ClickedCh:
			logger.Debug("Show flyout menu item clicked")
			f.controller.RequestShow(false)

		case <-items.moduleEnabled.ClickedCh:
			enabled := toggleCheckbox(items.moduleEnabled)
			logger.Infow("Audio flyout toggled", "enabled", enabled)

			if err := f.config.SetAudioModuleEnabled(enabled); err != nil {
				logger.Warnw("Failed to save audio flyout switch", "error", err)
			}

		case <-items.mediaInVolume.ClickedCh:
			settings := f.config.DisplaySettings()
			settings.ShowMediaInVolumeFlyout = toggleCheckbox(items.mediaInVolume)
			f.saveDisplaySettings(logger, settings)

		case <-items.volumeInMedia.ClickedCh:
			settings := f.config.DisplaySettings()
			settings.ShowVolumeInMediaFlyout = toggleCheckbox(items.volumeInMedia)
			f.saveDisplaySettings(logger, settings)
		}
	}
}

func (f *Flyout) saveDisplaySettings(logger *zap.SugaredLogger, settings Settings) {
	logger.Infow("Display settings toggled", "settings", settings)

	if err := f.config.SetDisplaySettings(settings); err != nil {
		logger.Warnw("Failed to save display settings", "error", err)
	}
}

// toggleCheckbox flips a checkbox item and returns its new state
func toggleCheckbox(item *systray.MenuItem) bool {
	if item.Checked() {
		item.Uncheck()
		return false
	}

	item.Check()
	return true
}

func getEditor() string {
	if util.Linux() {
		return "xdg-open"
	}

	return "notepad.exe"
}

func (f *Flyout) stopTray() {
	f.logger.Debug("Quitting tray")
	systray.Quit()
}
