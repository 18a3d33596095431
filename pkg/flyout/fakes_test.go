package flyout

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const testTimeout = 2 * time.Second

func newTestLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	return zaptest.NewLogger(t).Sugar()
}

// startDispatcher runs a dispatcher until the test ends
func startDispatcher(t *testing.T) *Dispatcher {
	t.Helper()

	d := NewDispatcher(newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return d
}

// drain waits until everything posted so far has run
func drain(t *testing.T, d *Dispatcher) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := d.Invoke(ctx, func() {}); err != nil {
		t.Fatalf("dispatcher did not drain: %v", err)
	}
}

// eventually polls cond on the dispatcher until it holds
func eventually(t *testing.T, d *Dispatcher, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		var ok bool
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		err := d.Invoke(ctx, func() { ok = cond() })
		cancel()

		if err != nil {
			t.Fatalf("dispatcher did not respond: %v", err)
		}
		if ok {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not met in time")
}

type fakeDevice struct {
	mu sync.Mutex

	id     string
	volume float32
	muted  bool

	volumeWrites []float32
	muteWrites   []bool
	released     int

	listener func(VolumeNotification)
}

func newFakeDevice(id string, volume float32, muted bool) *fakeDevice {
	return &fakeDevice{id: id, volume: volume, muted: muted}
}

func (d *fakeDevice) ID() string { return d.id }

func (d *fakeDevice) Volume() (float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volume, nil
}

func (d *fakeDevice) Muted() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted, nil
}

func (d *fakeDevice) SetVolume(v float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = v
	d.volumeWrites = append(d.volumeWrites, v)
	return nil
}

func (d *fakeDevice) SetMute(m bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = m
	d.muteWrites = append(d.muteWrites, m)
	return nil
}

func (d *fakeDevice) SubscribeVolume(fn func(VolumeNotification)) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.listener = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.listener = nil
	}, nil
}

func (d *fakeDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released++
}

// emit simulates an OS volume notification; it is a no-op once unsubscribed
func (d *fakeDevice) emit(volume float32, muted bool) {
	d.mu.Lock()
	d.volume = volume
	d.muted = muted
	listener := d.listener
	d.mu.Unlock()

	if listener != nil {
		listener(VolumeNotification{Volume: volume, Muted: muted})
	}
}

func (d *fakeDevice) writes() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.volumeWrites), len(d.muteWrites)
}

func (d *fakeDevice) lastVolumeWrite() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.volumeWrites) == 0 {
		return -1
	}
	return d.volumeWrites[len(d.volumeWrites)-1]
}

type fakeAudioSystem struct {
	mu sync.Mutex

	devices       map[string]*fakeDevice
	defaultID     string
	listener      func(id string)
	subscriptions int
	released      bool
}

func newFakeAudioSystem(devices ...*fakeDevice) *fakeAudioSystem {
	as := &fakeAudioSystem{devices: make(map[string]*fakeDevice)}
	for _, device := range devices {
		as.devices[device.id] = device
	}
	if len(devices) > 0 {
		as.defaultID = devices[0].id
	}
	return as
}

func (as *fakeAudioSystem) DefaultDevice() (AudioDevice, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.defaultID == "" {
		return nil, ErrNoDevice
	}
	return as.devices[as.defaultID], nil
}

func (as *fakeAudioSystem) Device(id string) (AudioDevice, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	device, ok := as.devices[id]
	if !ok {
		return nil, ErrNoDevice
	}
	return device, nil
}

func (as *fakeAudioSystem) SubscribeDefaultDeviceChanged(fn func(id string)) (func(), error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	as.listener = fn
	as.subscriptions++

	return func() {
		as.mu.Lock()
		defer as.mu.Unlock()
		as.listener = nil
	}, nil
}

func (as *fakeAudioSystem) Release() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.released = true
	return nil
}

// switchDefault simulates the OS changing the default device; "" means none
func (as *fakeAudioSystem) switchDefault(id string) {
	as.mu.Lock()
	as.defaultID = id
	listener := as.listener
	as.mu.Unlock()

	if listener != nil {
		listener(id)
	}
}

func (as *fakeAudioSystem) subscribed() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.listener != nil
}

type fakeSession struct {
	mu sync.Mutex

	id       string
	info     SessionInfo
	commands []TransportCommand
	released int
}

func newFakeSession(id, app string) *fakeSession {
	return &fakeSession{
		id:   id,
		info: SessionInfo{App: app, Title: "title " + id, Status: StatusPlaying},
	}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Info() (SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, nil
}

func (s *fakeSession) Control(cmd TransportCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, cmd)
	switch cmd {
	case CommandPause:
		s.info.Status = StatusPaused
	case CommandPlay:
		s.info.Status = StatusPlaying
	}
	return nil
}

func (s *fakeSession) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

func (s *fakeSession) setTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Title = title
}

func (s *fakeSession) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeSessionManager struct {
	mu sync.Mutex

	sessions     []MediaSession
	listener     func()
	closed       int
	unsubscribe  int
	subscribeErr error
	infoListener func(id string)
}

func (m *fakeSessionManager) Sessions() ([]MediaSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MediaSession(nil), m.sessions...), nil
}

func (m *fakeSessionManager) SubscribeSessionsChanged(fn func()) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	m.listener = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.listener = nil
		m.unsubscribe++
	}, nil
}

func (m *fakeSessionManager) SubscribeSessionInfoChanged(fn func(id string)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.infoListener = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.infoListener = nil
	}, nil
}

// touch fires the metadata changed event for one session
func (m *fakeSessionManager) touch(id string) {
	m.mu.Lock()
	listener := m.infoListener
	m.mu.Unlock()

	if listener != nil {
		listener(id)
	}
}

func (m *fakeSessionManager) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeSessionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

// setSessions replaces the reported sessions and fires the changed event
func (m *fakeSessionManager) setSessions(sessions ...MediaSession) {
	m.mu.Lock()
	m.sessions = sessions
	listener := m.listener
	m.mu.Unlock()

	if listener != nil {
		listener()
	}
}

type fakeProvider struct {
	manager MediaSessionManager
	err     error

	// when set, RequestManager waits for it to be closed or for ctx
	gate chan struct{}
}

func (p *fakeProvider) RequestManager(ctx context.Context) (MediaSessionManager, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return p.manager, p.err
}

type recordingShell struct {
	mu    sync.Mutex
	shows int
	views []FlyoutView
}

func (s *recordingShell) ShowFlyout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shows++
}

func (s *recordingShell) StateChanged(view FlyoutView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = append(s.views, view)
}

func (s *recordingShell) showCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shows
}

func (s *recordingShell) last() FlyoutView {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.views) == 0 {
		return FlyoutView{}
	}
	return s.views[len(s.views)-1]
}
