package flyout

import (
	"os"
	"path/filepath"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/modernflyouts/flyout/pkg/flyout/icon"
	"github.com/modernflyouts/flyout/pkg/flyout/util"
)

const notificationIconFilename = "flyout.ico"

// Notifier provides a generic interface for sending notifications
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier sends toast notifications through the desktop's notification service
type ToastNotifier struct {
	logger   *zap.SugaredLogger
	iconPath string
}

// NewToastNotifier creates a new ToastNotifier
func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	logger.Debug("Created toast notifier instance")

	return &ToastNotifier{
		logger:   logger,
		iconPath: filepath.Join(os.TempDir(), notificationIconFilename),
	}, nil
}

// Notify sends a toast notification, creating the icon file first if it's missing
func (tn *ToastNotifier) Notify(title string, message string) {
	if err := tn.ensureIconFile(); err != nil {
		tn.logger.Errorw("Failed to prepare toast notification icon", "error", err)
		return
	}

	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, tn.iconPath); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}

func (tn *ToastNotifier) ensureIconFile() error {
	if util.FileExists(tn.iconPath) {
		return nil
	}

	tn.logger.Debugw("Flyout icon file missing, creating", "path", tn.iconPath)

	if err := os.WriteFile(tn.iconPath, icon.FlyoutLogo, 0644); err != nil {
		return err
	}

	tn.logger.Debugw("Created toast notification icon", "path", tn.iconPath)

	return nil
}
