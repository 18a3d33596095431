package flyout

// TriggerKind is the class of key that asked for the flyout.
type TriggerKind int

const (
	TriggerVolume TriggerKind = iota
	TriggerMedia
)

func (k TriggerKind) String() string {
	if k == TriggerMedia {
		return "media"
	}
	return "volume"
}

// MarshalText implements encoding.TextMarshaler.
func (k TriggerKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// PrimaryContent is what occupies the primary slot.
type PrimaryContent int

const (
	ContentNone PrimaryContent = iota
	ContentVolumeControl
	ContentNoDevice
)

func (c PrimaryContent) String() string {
	switch c {
	case ContentVolumeControl:
		return "volume"
	case ContentNoDevice:
		return "no_device"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c PrimaryContent) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Settings are the user's display preferences.
type Settings struct {
	ShowMediaInVolumeFlyout bool `json:"showMediaInVolumeFlyout"`
	ShowVolumeInMediaFlyout bool `json:"showVolumeInMediaFlyout"`
}

// DefaultSettings shows everything everywhere.
func DefaultSettings() Settings {
	return Settings{
		ShowMediaInVolumeFlyout: true,
		ShowVolumeInMediaFlyout: true,
	}
}

// FlyoutState is the content and visibility of both slots.
type FlyoutState struct {
	Trigger          TriggerKind    `json:"trigger"`
	PrimaryContent   PrimaryContent `json:"primaryContent"`
	PrimaryVisible   bool           `json:"primaryVisible"`
	SecondaryVisible bool           `json:"secondaryVisible"`
}

// ArbitrationInput is everything slot visibility depends on.
type ArbitrationInput struct {
	Trigger          TriggerKind
	DeviceAvailable  bool
	SessionAvailable bool
	Settings         Settings
}

// Arbitrate computes the slots for the given inputs.
//
// A media trigger without sessions is never accepted, but sessions can go
// away while the media flyout is up; the secondary slot is then hidden and
// the primary slot keeps following the settings.
func Arbitrate(in ArbitrationInput) FlyoutState {
	state := FlyoutState{
		Trigger:        in.Trigger,
		PrimaryContent: ContentNoDevice,
	}

	if in.DeviceAvailable {
		state.PrimaryContent = ContentVolumeControl
	}

	switch in.Trigger {
	case TriggerMedia:
		state.PrimaryVisible = in.Settings.ShowVolumeInMediaFlyout
		state.SecondaryVisible = in.SessionAvailable
	default:
		state.PrimaryVisible = true
		state.SecondaryVisible = in.SessionAvailable && in.Settings.ShowMediaInVolumeFlyout
	}

	return state
}
