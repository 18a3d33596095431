package flyout

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// volumeWatcher attaches volume notifications of one device at a time
type volumeWatcher interface {
	watchVolume(device AudioDevice, fn func(VolumeNotification))
	unwatchVolume()
}

// deviceBridge forwards OS audio endpoint notifications onto the controller
// context. It holds no business logic. All methods run on the controller context.
type deviceBridge struct {
	logger     *zap.SugaredLogger
	dispatcher *Dispatcher
	system     AudioSystem

	onDefaultDeviceChanged func(AudioDevice)
	unsubscribeDefault     func()

	unsubscribeVolume func()
	watchedDeviceID   string

	// bumped on every (un)watch so volume events queued for an old device are dropped
	generation uint64
}

func newDeviceBridge(logger *zap.SugaredLogger, dispatcher *Dispatcher, system AudioSystem) *deviceBridge {
	logger = logger.Named("bridge")

	b := &deviceBridge{
		logger:     logger,
		dispatcher: dispatcher,
		system:     system,
	}

	logger.Debug("Created device notification bridge instance")

	return b
}

func (b *deviceBridge) subscribe(onChanged func(AudioDevice)) error {
	if b.unsubscribeDefault != nil {
		return nil
	}

	unsubscribe, err := b.system.SubscribeDefaultDeviceChanged(func(id string) {
		b.dispatcher.Post(func() {
			b.handleDefaultDeviceChanged(id)
		})
	})
	if err != nil {
		b.logger.Warnw("Failed to subscribe to default device changes", "error", err)
		return fmt.Errorf("subscribe default device changes: %w", err)
	}

	b.onDefaultDeviceChanged = onChanged
	b.unsubscribeDefault = unsubscribe
	b.logger.Debug("Subscribed to default device changes")

	return nil
}

func (b *deviceBridge) unsubscribe() {
	if b.unsubscribeDefault != nil {
		b.unsubscribeDefault()
		b.unsubscribeDefault = nil
		b.onDefaultDeviceChanged = nil
		b.logger.Debug("Unsubscribed from default device changes")
	}

	b.unwatchVolume()
}

// currentDevice queries the OS for the default render device, nil if there's none
func (b *deviceBridge) currentDevice() AudioDevice {
	device, err := b.system.DefaultDevice()
	if err != nil {
		if !errors.Is(err, ErrNoDevice) {
			b.logger.Warnw("Failed to get default audio device", "error", err)
		}
		return nil
	}

	return device
}

func (b *deviceBridge) handleDefaultDeviceChanged(id string) {
	// unsubscribed while this notification was queued
	if b.onDefaultDeviceChanged == nil {
		return
	}

	b.logger.Debugw("Default audio device changed", "deviceID", id)

	var device AudioDevice
	if id != "" {
		var err error
		if device, err = b.system.Device(id); err != nil {
			b.logger.Warnw("Failed to get changed default device", "deviceID", id, "error", err)
			device = nil
		}
	}

	b.onDefaultDeviceChanged(device)
}

func (b *deviceBridge) watchVolume(device AudioDevice, fn func(VolumeNotification)) {
	b.unwatchVolume()

	if device == nil {
		return
	}

	generation := b.generation
	unsubscribe, err := device.SubscribeVolume(func(notification VolumeNotification) {
		b.dispatcher.Post(func() {
			if generation != b.generation {
				b.logger.Debugw("Dropping volume notification from previous device", "deviceID", device.ID())
				return
			}
			fn(notification)
		})
	})
	if err != nil {
		b.logger.Warnw("Failed to subscribe to device volume changes", "deviceID", device.ID(), "error", err)
		return
	}

	b.unsubscribeVolume = unsubscribe
	b.watchedDeviceID = device.ID()
	b.logger.Debugw("Watching device volume", "deviceID", b.watchedDeviceID)
}

func (b *deviceBridge) unwatchVolume() {
	b.generation++

	if b.unsubscribeVolume == nil {
		return
	}

	b.unsubscribeVolume()
	b.unsubscribeVolume = nil
	b.logger.Debugw("Stopped watching device volume", "deviceID", b.watchedDeviceID)
	b.watchedDeviceID = ""
}
