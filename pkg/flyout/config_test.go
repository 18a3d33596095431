package flyout

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *fakeNotifier) Notify(title string, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func newTestConfig(t *testing.T, dir string, userConfig string) (*CanonicalConfig, *fakeNotifier) {
	t.Helper()

	if userConfig != "" {
		if err := os.WriteFile(filepath.Join(dir, userConfigFilepath), []byte(userConfig), 0644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}

	notifier := &fakeNotifier{}
	cc, err := newConfigAt(newTestLogger(t), notifier, dir, filepath.Join(dir, logDirectory))
	if err != nil {
		t.Fatalf("newConfigAt: %v", err)
	}

	return cc, notifier
}

func TestConfigDefaultsWithoutFile(t *testing.T) {
	cc, _ := newTestConfig(t, t.TempDir(), "")

	if err := cc.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cc.DisplaySettings(); got != DefaultSettings() {
		t.Errorf("settings = %+v, want defaults", got)
	}
	if !cc.AudioModuleEnabled() {
		t.Error("audio module disabled by default")
	}
	if got := cc.ConnectionInfo(); got.COMPort != "" || got.BaudRate != defaultBaudRate {
		t.Errorf("connection info = %+v", got)
	}
	if got := cc.ShellAddress(); got != defaultShellAddress {
		t.Errorf("shell address = %q, want %q", got, defaultShellAddress)
	}
}

func TestConfigLoadsUserFile(t *testing.T) {
	cc, _ := newTestConfig(t, t.TempDir(), `
show_media_in_volume_flyout: false
show_volume_in_media_flyout: true
audio_module_enabled: false
com_port: COM4
baud_rate: 115200
shell_address: 127.0.0.1:9000
`)

	if err := cc.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Settings{ShowMediaInVolumeFlyout: false, ShowVolumeInMediaFlyout: true}
	if got := cc.DisplaySettings(); got != want {
		t.Errorf("settings = %+v, want %+v", got, want)
	}
	if cc.AudioModuleEnabled() {
		t.Error("audio module enabled, want disabled")
	}
	if got := cc.ConnectionInfo(); got.COMPort != "COM4" || got.BaudRate != 115200 {
		t.Errorf("connection info = %+v", got)
	}
	if got := cc.ShellAddress(); got != "127.0.0.1:9000" {
		t.Errorf("shell address = %q", got)
	}
}

func TestConfigInvalidValuesFallBack(t *testing.T) {
	cc, _ := newTestConfig(t, t.TempDir(), `
baud_rate: -5
shell_address: not an address
`)

	if err := cc.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cc.ConnectionInfo().BaudRate; got != defaultBaudRate {
		t.Errorf("baud rate = %d, want default %d", got, defaultBaudRate)
	}
	if got := cc.ShellAddress(); got != defaultShellAddress {
		t.Errorf("shell address = %q, want default", got)
	}
}

func TestConfigInvalidYAMLNotifies(t *testing.T) {
	cc, notifier := newTestConfig(t, t.TempDir(), "show_media_in_volume_flyout: [unclosed\n")

	if err := cc.Load(); err == nil {
		t.Fatal("Load succeeded on invalid YAML")
	}

	if len(notifier.titles) != 1 || notifier.titles[0] != "Invalid configuration!" {
		t.Errorf("notifications = %v", notifier.titles)
	}
}

func TestConfigPreferencesOverrideUserFile(t *testing.T) {
	dir := t.TempDir()
	cc, _ := newTestConfig(t, dir, "show_media_in_volume_flyout: true\n")

	if err := cc.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	reloaded := cc.SubscribeToChanges()
	errs := make(chan error, 1)

	go func() {
		errs <- cc.SetDisplaySettings(Settings{ShowMediaInVolumeFlyout: false, ShowVolumeInMediaFlyout: true})
	}()

	select {
	case <-reloaded:
	case <-time.After(testTimeout):
		t.Fatal("subscribers not notified")
	}

	if err := <-errs; err != nil {
		t.Fatalf("SetDisplaySettings: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, logDirectory, internalConfigFilepath)); err != nil {
		t.Fatalf("preferences not written: %v", err)
	}

	// a fresh instance sees the saved preference over the user file
	fresh, _ := newTestConfig(t, dir, "")
	if err := fresh.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if fresh.DisplaySettings().ShowMediaInVolumeFlyout {
		t.Error("preference did not override the user config")
	}
}

func TestConfigSubscribeWhileSaving(t *testing.T) {
	dir := t.TempDir()
	cc, _ := newTestConfig(t, dir, "")
	if err := cc.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	const subscribers = 4
	stop := make(chan struct{})
	defer close(stop)

	var received [subscribers]int32
	var subscribed sync.WaitGroup
	subscribed.Add(subscribers)

	saved := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 5 && err == nil; i++ {
			err = cc.SetAudioModuleEnabled(i%2 == 0)
		}
		saved <- err
	}()

	for i := 0; i < subscribers; i++ {
		go func(i int) {
			reloaded := cc.SubscribeToChanges()
			subscribed.Done()

			for {
				select {
				case <-reloaded:
					atomic.AddInt32(&received[i], 1)
				case <-stop:
					return
				}
			}
		}(i)
	}

	subscribed.Wait()
	select {
	case err := <-saved:
		if err != nil {
			t.Fatalf("SetAudioModuleEnabled: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("saving blocked")
	}

	if err := cc.SetAudioModuleEnabled(true); err != nil {
		t.Fatalf("SetAudioModuleEnabled: %v", err)
	}

	// the last send completes before the receiver counts it
	deadline := time.Now().Add(testTimeout)
	for i := range received {
		for atomic.LoadInt32(&received[i]) == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("subscriber %d was never notified", i)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}
