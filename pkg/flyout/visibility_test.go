package flyout

import (
	"encoding/json"
	"testing"
)

func TestArbitrate(t *testing.T) {
	all := Settings{ShowMediaInVolumeFlyout: true, ShowVolumeInMediaFlyout: true}
	none := Settings{}

	tests := []struct {
		name string
		in   ArbitrationInput
		want FlyoutState
	}{
		{
			name: "volume trigger with device and sessions",
			in:   ArbitrationInput{Trigger: TriggerVolume, DeviceAvailable: true, SessionAvailable: true, Settings: all},
			want: FlyoutState{Trigger: TriggerVolume, PrimaryContent: ContentVolumeControl, PrimaryVisible: true, SecondaryVisible: true},
		},
		{
			name: "volume trigger with media hidden by setting",
			in:   ArbitrationInput{Trigger: TriggerVolume, DeviceAvailable: true, SessionAvailable: true, Settings: none},
			want: FlyoutState{Trigger: TriggerVolume, PrimaryContent: ContentVolumeControl, PrimaryVisible: true},
		},
		{
			name: "volume trigger without sessions",
			in:   ArbitrationInput{Trigger: TriggerVolume, DeviceAvailable: true, Settings: all},
			want: FlyoutState{Trigger: TriggerVolume, PrimaryContent: ContentVolumeControl, PrimaryVisible: true},
		},
		{
			name: "volume trigger without device",
			in:   ArbitrationInput{Trigger: TriggerVolume, SessionAvailable: true, Settings: all},
			want: FlyoutState{Trigger: TriggerVolume, PrimaryContent: ContentNoDevice, PrimaryVisible: true, SecondaryVisible: true},
		},
		{
			name: "media trigger with device",
			in:   ArbitrationInput{Trigger: TriggerMedia, DeviceAvailable: true, SessionAvailable: true, Settings: all},
			want: FlyoutState{Trigger: TriggerMedia, PrimaryContent: ContentVolumeControl, PrimaryVisible: true, SecondaryVisible: true},
		},
		{
			name: "media trigger with volume hidden by setting",
			in:   ArbitrationInput{Trigger: TriggerMedia, DeviceAvailable: true, SessionAvailable: true, Settings: none},
			want: FlyoutState{Trigger: TriggerMedia, PrimaryContent: ContentVolumeControl, SecondaryVisible: true},
		},
		{
			name: "media trigger without device",
			in:   ArbitrationInput{Trigger: TriggerMedia, SessionAvailable: true, Settings: all},
			want: FlyoutState{Trigger: TriggerMedia, PrimaryContent: ContentNoDevice, PrimaryVisible: true, SecondaryVisible: true},
		},
		{
			name: "media trigger after sessions went away",
			in:   ArbitrationInput{Trigger: TriggerMedia, DeviceAvailable: true, Settings: all},
			want: FlyoutState{Trigger: TriggerMedia, PrimaryContent: ContentVolumeControl, PrimaryVisible: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Arbitrate(tt.in); got != tt.want {
				t.Errorf("Arbitrate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFlyoutStateJSON(t *testing.T) {
	state := FlyoutState{Trigger: TriggerMedia, PrimaryContent: ContentNoDevice, PrimaryVisible: true}

	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	want := `{"trigger":"media","primaryContent":"no_device","primaryVisible":true,"secondaryVisible":false}`
	if string(raw) != want {
		t.Errorf("json = %s, want %s", raw, want)
	}
}
