package flyout

import "errors"

// ErrNoDevice is returned by AudioSystem.DefaultDevice when no output device is connected.
var ErrNoDevice = errors.New("no default audio device")

// VolumeNotification carries a device's volume (0.0-1.0) and mute state as reported by the OS.
type VolumeNotification struct {
	Volume float32
	Muted  bool
}

// AudioDevice is the OS default render device. Implementations call
// subscribers from OS-owned threads.
type AudioDevice interface {
	// ID returns the opaque OS identity of the device.
	ID() string

	// Volume returns the current master volume scalar (0.0-1.0).
	Volume() (float32, error)

	// Muted reports whether the device is muted.
	Muted() (bool, error)

	SetVolume(v float32) error
	SetMute(m bool) error

	// SubscribeVolume registers fn for volume/mute changes. The returned
	// function unsubscribes and is safe to call more than once.
	SubscribeVolume(fn func(VolumeNotification)) (func(), error)
}

// AudioSystem gives access to the default render device and its changes.
type AudioSystem interface {
	// DefaultDevice returns the current default render device, or ErrNoDevice.
	DefaultDevice() (AudioDevice, error)

	// Device looks up a device by the id carried in a default-device-changed notification.
	Device(id string) (AudioDevice, error)

	// SubscribeDefaultDeviceChanged registers fn for default render device changes.
	// An empty id means no device is left.
	SubscribeDefaultDeviceChanged(fn func(id string)) (func(), error)

	// Release frees any resources held by the audio system.
	Release() error
}
