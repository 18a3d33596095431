package flyout

import (
	"go.uber.org/zap"
)

// startKeyHook is unavailable here; use the serial or console trigger sources instead.
func startKeyHook(logger *zap.SugaredLogger, onTrigger func(isMediaKey bool)) (func(), error) {
	return nil, errKeyHookUnsupported
}
