package flyout

import (
	"testing"
	"time"
)

func TestParseTriggerCommand(t *testing.T) {
	tests := map[string]TriggerCommand{
		"volume":    CommandVolume,
		"MEDIA\r\n": CommandMedia,
		" up ":      CommandUp,
		"down\n":    CommandDown,
		"mute":      CommandMute,
	}

	for line, want := range tests {
		got, err := ParseTriggerCommand(line)
		if err != nil || got != want {
			t.Errorf("ParseTriggerCommand(%q) = %q, %v, want %q", line, got, err, want)
		}
	}

	for _, line := range []string{"", "louder", "1023|512"} {
		if _, err := ParseTriggerCommand(line); err == nil {
			t.Errorf("ParseTriggerCommand(%q) succeeded", line)
		}
	}
}

func TestTriggerCommandApply(t *testing.T) {
	speakers := newFakeDevice("speakers", 0.5, false)
	h := newControllerHarness(t, newFakeAudioSystem(speakers), nil)

	CommandUp.Apply(h.controller)
	drain(t, h.dispatcher)

	if got := speakers.lastVolumeWrite(); got != 0.52 {
		t.Errorf("up wrote %v, want 0.52", got)
	}
	if n := h.shell.showCount(); n != 1 {
		t.Errorf("up showed the flyout %d times, want 1", n)
	}

	CommandMute.Apply(h.controller)
	drain(t, h.dispatcher)

	if !speakers.muted {
		t.Error("mute command did not mute the device")
	}

	// no sessions, dropped
	CommandMedia.Apply(h.controller)
	drain(t, h.dispatcher)

	if n := h.shell.showCount(); n != 2 {
		t.Errorf("shows = %d, want 2", n)
	}
}

func TestSerialHandleLine(t *testing.T) {
	sio, err := NewSerialIO(newTestLogger(t), nil)
	if err != nil {
		t.Fatalf("NewSerialIO: %v", err)
	}

	commands := sio.SubscribeToCommands()
	received := make(chan TriggerCommand, 4)

	go func() {
		for cmd := range commands {
			received <- cmd
		}
	}()

	for _, line := range []string{"garbage line\r\n", "volume\r\n", "1023|0\r\n", "nope\r\n", "media\n"} {
		sio.handleLine(line)
	}

	for _, want := range []TriggerCommand{CommandVolume, CommandMedia} {
		select {
		case got := <-received:
			if got != want {
				t.Errorf("got %q, want %q", got, want)
			}
		case <-time.After(testTimeout):
			t.Fatalf("command %q not delivered", want)
		}
	}

	select {
	case extra := <-received:
		t.Errorf("unexpected extra command %q", extra)
	default:
	}
}
