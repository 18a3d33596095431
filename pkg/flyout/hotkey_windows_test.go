package flyout

import (
	"testing"

	"github.com/lxn/win"
)

func TestClassifyKey(t *testing.T) {
	tests := []struct {
		vk      uint32
		isMedia bool
		ok      bool
	}{
		{win.VK_VOLUME_UP, false, true},
		{win.VK_VOLUME_DOWN, false, true},
		{win.VK_VOLUME_MUTE, false, true},
		{win.VK_MEDIA_PLAY_PAUSE, true, true},
		{win.VK_MEDIA_NEXT_TRACK, true, true},
		{win.VK_MEDIA_PREV_TRACK, true, true},
		{win.VK_MEDIA_STOP, true, true},
		{win.VK_SPACE, false, false},
	}

	for _, tt := range tests {
		isMedia, ok := classifyKey(tt.vk)
		if isMedia != tt.isMedia || ok != tt.ok {
			t.Errorf("classifyKey(%#x) = %t, %t, want %t, %t", tt.vk, isMedia, ok, tt.isMedia, tt.ok)
		}
	}
}
