package flyout

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/modernflyouts/flyout/pkg/flyout/util"
)

// GlyphTier is the discrete volume icon derived from volume and mute.
type GlyphTier int

const (
	GlyphMuted GlyphTier = iota
	GlyphSilent
	GlyphLow
	GlyphMedium
	GlyphHigh
)

var glyphTierNames = map[GlyphTier]string{
	GlyphMuted:  "muted",
	GlyphSilent: "silent",
	GlyphLow:    "low",
	GlyphMedium: "medium",
	GlyphHigh:   "high",
}

func (t GlyphTier) String() string {
	if name, ok := glyphTierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("GlyphTier(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t GlyphTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// glyphTierFor maps a 0-100 volume to its tier. Muted or absent devices are always GlyphMuted.
func glyphTierFor(volume float64, muted bool, devicePresent bool) GlyphTier {
	switch {
	case !devicePresent || muted:
		return GlyphMuted
	case volume >= 66:
		return GlyphHigh
	case volume < 1:
		return GlyphSilent
	case volume < 33:
		return GlyphLow
	default:
		return GlyphMedium
	}
}

// UpdateOrigin tags a mutation of the volume control with who caused it.
type UpdateOrigin int

const (
	// OriginNone means no update is in progress.
	OriginNone UpdateOrigin = iota

	// OriginSelf marks updates pushed by the synchronizer from device state.
	// Handlers must ignore them: they are the echo of the device's own value.
	OriginSelf

	// OriginUser marks updates caused by the user interacting with the control.
	OriginUser
)

func (o UpdateOrigin) String() string {
	switch o {
	case OriginSelf:
		return "self"
	case OriginUser:
		return "user"
	default:
		return "none"
	}
}

// VolumeControlState is what the hosting shell renders in the volume control.
type VolumeControlState struct {
	Value         float64   `json:"value"`
	Text          string    `json:"text"`
	Tier          GlyphTier `json:"tier"`
	Enabled       bool      `json:"enabled"`
	DevicePresent bool      `json:"devicePresent"`
}

// VolumeControl models the UI slider mirrored onto the device volume.
type VolumeControl struct {
	state  VolumeControlState
	origin UpdateOrigin

	onValueChanged func(oldValue, newValue float64, origin UpdateOrigin)
}

// SetValue moves the slider. origin stays set for the whole update,
// including the value-changed handler.
func (c *VolumeControl) SetValue(v float64, origin UpdateOrigin) {
	v = math.Max(0, math.Min(100, v))

	c.origin = origin
	defer func() { c.origin = OriginNone }()

	old := c.state.Value
	c.state.Value = v

	if old != v && c.onValueChanged != nil {
		c.onValueChanged(old, v, origin)
	}
}

// Origin returns the origin of the update in progress, OriginNone when idle.
func (c *VolumeControl) Origin() UpdateOrigin {
	return c.origin
}

// State returns a copy of the control state.
func (c *VolumeControl) State() VolumeControlState {
	return c.state
}

// VolumeSynchronizer links the current audio device and the volume control.
// Updates only ever flow one way at a time: device pushes run under
// OriginSelf and never write back to the device. Controller context only.
type VolumeSynchronizer struct {
	logger  *zap.SugaredLogger
	control *VolumeControl
	watcher volumeWatcher

	device AudioDevice
	muted  bool

	onStateChanged func()
}

func newVolumeSynchronizer(logger *zap.SugaredLogger, watcher volumeWatcher, onStateChanged func()) *VolumeSynchronizer {
	logger = logger.Named("volume")

	s := &VolumeSynchronizer{
		logger:         logger,
		watcher:        watcher,
		onStateChanged: onStateChanged,
	}

	s.control = &VolumeControl{onValueChanged: s.onSliderValueChanged}
	s.applyPlaceholder()

	logger.Debug("Created volume synchronizer instance")

	return s
}

// SetDevice replaces the current device. A nil device switches the control
// to the "no device" placeholder and stops mirroring.
func (s *VolumeSynchronizer) SetDevice(device AudioDevice) {
	if s.watcher != nil {
		s.watcher.watchVolume(device, s.OnDeviceVolumeChanged)
	}

	releaseDevice(s.device, device)
	s.device = device
	s.muted = false

	if device == nil {
		s.logger.Info("No audio device connected")
		s.applyPlaceholder()
		s.stateChanged()
		return
	}

	volume, err := device.Volume()
	if err != nil {
		s.logger.Warnw("Failed to read device volume", "deviceID", device.ID(), "error", err)
	}

	muted, err := device.Muted()
	if err != nil {
		s.logger.Warnw("Failed to read device mute state", "deviceID", device.ID(), "error", err)
	}

	s.logger.Infow("Using audio device", "deviceID", device.ID(), "volume", volume, "muted", muted)
	s.OnDeviceVolumeChanged(VolumeNotification{Volume: volume, Muted: muted})
}

// Release stops mirroring without touching the device.
func (s *VolumeSynchronizer) Release() {
	if s.watcher != nil {
		s.watcher.unwatchVolume()
	}

	releaseDevice(s.device, nil)
	s.device = nil
	s.muted = false
	s.applyPlaceholder()
}

// DeviceAvailable reports whether a device is currently present.
func (s *VolumeSynchronizer) DeviceAvailable() bool {
	return s.device != nil
}

// Control returns the volume control driven by this synchronizer.
func (s *VolumeSynchronizer) Control() *VolumeControl {
	return s.control
}

// OnDeviceVolumeChanged pushes device state into the control under OriginSelf.
func (s *VolumeSynchronizer) OnDeviceVolumeChanged(notification VolumeNotification) {
	if s.device == nil {
		return
	}

	s.muted = notification.Muted
	value := util.ScalarToPercent(notification.Volume)
	tier := glyphTierFor(value, s.muted, true)

	s.control.state.Tier = tier
	s.control.state.Enabled = tier != GlyphMuted
	s.control.state.DevicePresent = true
	s.control.state.Text = fmt.Sprintf("%02d", int(math.Round(value)))
	s.control.SetValue(value, OriginSelf)

	s.stateChanged()
}

// OnUserMovedSlider is called when the user drags the slider to newValue.
func (s *VolumeSynchronizer) OnUserMovedSlider(newValue float64) {
	if s.device == nil {
		return
	}

	s.control.SetValue(newValue, OriginUser)
}

// OnUserClickedMuteToggle flips the device mute flag without touching its volume.
func (s *VolumeSynchronizer) OnUserClickedMuteToggle() {
	if s.device == nil {
		return
	}

	muted, err := s.device.Muted()
	if err != nil {
		s.logger.Debugw("Failed to read mute state, using last known", "error", err)
		muted = s.muted
	}

	if err := s.device.SetMute(!muted); err != nil {
		s.logger.Warnw("Failed to toggle device mute", "deviceID", s.device.ID(), "error", err)
	}
}

// OnUserScrolled moves the volume by delta wheel notches. Results outside 0-100 are ignored.
func (s *VolumeSynchronizer) OnUserScrolled(delta int) {
	value := util.TruncatePercent(s.control.state.Value) + delta
	if value < 0 || value > 100 {
		return
	}

	s.writeVolume(value)
}

func (s *VolumeSynchronizer) onSliderValueChanged(oldValue, newValue float64, origin UpdateOrigin) {
	if origin == OriginSelf {
		return
	}

	value := util.TruncatePercent(newValue)
	if value == util.TruncatePercent(oldValue) {
		return
	}

	s.writeVolume(value)
}

// writeVolume sets the device volume and un-mutes it
func (s *VolumeSynchronizer) writeVolume(value int) {
	if s.device == nil {
		return
	}

	if err := s.device.SetVolume(float32(value) / 100); err != nil {
		s.logger.Warnw("Failed to set device volume", "deviceID", s.device.ID(), "value", value, "error", err)
		return
	}

	if err := s.device.SetMute(false); err != nil {
		s.logger.Warnw("Failed to unmute device", "deviceID", s.device.ID(), "error", err)
	}
}

// releaseDevice frees platform handles of a device that is being replaced
func releaseDevice(old AudioDevice, replacement AudioDevice) {
	if old == nil || old == replacement {
		return
	}

	if releaser, ok := old.(interface{ Release() }); ok {
		releaser.Release()
	}
}

func (s *VolumeSynchronizer) applyPlaceholder() {
	s.control.state = VolumeControlState{
		Text: "--",
		Tier: GlyphMuted,
	}
}

func (s *VolumeSynchronizer) stateChanged() {
	if s.onStateChanged != nil {
		s.onStateChanged()
	}
}
