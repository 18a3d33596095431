package flyout

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/modernflyouts/flyout/pkg/flyout/util"
)

const (
	mprisBusPrefix      = "org.mpris.MediaPlayer2."
	mprisObjectPath     = "/org/mpris/MediaPlayer2"
	mprisRootInterface  = "org.mpris.MediaPlayer2"
	mprisPlayerIface    = "org.mpris.MediaPlayer2.Player"
	dbusInterface       = "org.freedesktop.DBus"
	dbusPropsInterface  = "org.freedesktop.DBus.Properties"
	nameOwnerChanged    = "NameOwnerChanged"
	propertiesChanged   = "PropertiesChanged"
	sessionSignalBuffer = 32
)

var mprisCommands = map[TransportCommand]string{
	CommandPlay:      "Play",
	CommandPause:     "Pause",
	CommandPlayPause: "PlayPause",
	CommandNext:      "Next",
	CommandPrevious:  "Previous",
	CommandStop:      "Stop",
}

// mprisProvider exposes MPRIS players on the D-Bus session bus as media sessions.
type mprisProvider struct {
	logger *zap.SugaredLogger
}

type mprisManager struct {
	logger *zap.SugaredLogger
	conn   *dbus.Conn

	mu sync.Mutex

	// unique connection name -> player bus name
	owners     map[string]string
	onSessions func()
	onInfo     func(name string)

	signals   chan *dbus.Signal
	startOnce sync.Once
}

type mprisSession struct {
	logger *zap.SugaredLogger
	conn   *dbus.Conn
	name   string
}

func newMediaSessionProvider(logger *zap.SugaredLogger) MediaSessionProvider {
	return &mprisProvider{logger: logger.Named("mpris")}
}

func (p *mprisProvider) RequestManager(ctx context.Context) (MediaSessionManager, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w: %w", ErrMediaUnavailable, err)
	}

	p.logger.Debug("Connected to D-Bus session bus")

	return &mprisManager{
		logger: p.logger,
		conn:   conn,
		owners: make(map[string]string),
	}, nil
}

func (m *mprisManager) Sessions() ([]MediaSession, error) {
	var names []string
	if err := m.conn.BusObject().Call(dbusInterface+".ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("list bus names: %w", err)
	}

	owners := make(map[string]string)
	var sessions []MediaSession
	for _, name := range names {
		if !strings.HasPrefix(name, mprisBusPrefix) {
			continue
		}

		var owner string
		if err := m.conn.BusObject().Call(dbusInterface+".GetNameOwner", 0, name).Store(&owner); err == nil {
			owners[owner] = name
		}
		sessions = append(sessions, &mprisSession{logger: m.logger, conn: m.conn, name: name})
	}

	m.mu.Lock()
	m.owners = owners
	m.mu.Unlock()

	return sessions, nil
}

// SubscribeSessionsChanged reports players appearing or leaving the bus.
func (m *mprisManager) SubscribeSessionsChanged(fn func()) (func(), error) {
	match := []dbus.MatchOption{
		dbus.WithMatchSender(dbusInterface),
		dbus.WithMatchInterface(dbusInterface),
		dbus.WithMatchMember(nameOwnerChanged),
		dbus.WithMatchArg0Namespace(strings.TrimSuffix(mprisBusPrefix, ".")),
	}

	return m.subscribe(match, func() { m.onSessions = fn }, func() { m.onSessions = nil })
}

// SubscribeSessionInfoChanged reports player property changes (status, track)
// by player bus name, without touching the session set.
func (m *mprisManager) SubscribeSessionInfoChanged(fn func(id string)) (func(), error) {
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(dbusPropsInterface),
		dbus.WithMatchMember(propertiesChanged),
		dbus.WithMatchObjectPath(mprisObjectPath),
		dbus.WithMatchArg(0, mprisPlayerIface),
	}

	return m.subscribe(match, func() { m.onInfo = fn }, func() { m.onInfo = nil })
}

func (m *mprisManager) subscribe(match []dbus.MatchOption, set, unset func()) (func(), error) {
	if err := m.conn.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("add signal match: %w", err)
	}

	m.mu.Lock()
	set()
	m.mu.Unlock()

	m.startOnce.Do(func() {
		m.signals = make(chan *dbus.Signal, sessionSignalBuffer)
		m.conn.Signal(m.signals)
		go m.readSignals(m.signals)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			unset()
			m.mu.Unlock()

			if err := m.conn.RemoveMatchSignal(match...); err != nil {
				m.logger.Debugw("Failed to remove signal match", "error", err)
			}
		})
	}, nil
}

// readSignals runs until the connection is closed, which closes the channel
func (m *mprisManager) readSignals(signals <-chan *dbus.Signal) {
	for signal := range signals {
		m.handleSignal(signal)
	}
}

func (m *mprisManager) handleSignal(signal *dbus.Signal) {
	switch signal.Name {
	case dbusInterface + "." + nameOwnerChanged:
		var name, oldOwner, newOwner string
		if err := dbus.Store(signal.Body, &name, &oldOwner, &newOwner); err != nil {
			m.logger.Debugw("Malformed NameOwnerChanged signal", "error", err)
			return
		}
		if !strings.HasPrefix(name, mprisBusPrefix) {
			return
		}

		m.mu.Lock()
		if oldOwner != "" {
			delete(m.owners, oldOwner)
		}
		if newOwner != "" {
			m.owners[newOwner] = name
		}
		fn := m.onSessions
		m.mu.Unlock()

		if fn != nil {
			fn()
		}

	case dbusPropsInterface + "." + propertiesChanged:
		m.mu.Lock()
		name, ok := m.owners[signal.Sender]
		fn := m.onInfo
		m.mu.Unlock()

		if ok && fn != nil {
			fn(name)
		}
	}
}

func (m *mprisManager) Close() error {
	if err := m.conn.Close(); err != nil {
		return fmt.Errorf("close session bus: %w", err)
	}
	return nil
}

func (s *mprisSession) ID() string {
	return s.name
}

func (s *mprisSession) Info() (SessionInfo, error) {
	player := s.conn.Object(s.name, mprisObjectPath)

	info := SessionInfo{
		ID:     s.name,
		App:    s.appName(player),
		Status: StatusUnknown,
	}

	status, err := player.GetProperty(mprisPlayerIface + ".PlaybackStatus")
	if err != nil {
		return info, fmt.Errorf("get playback status: %w", err)
	}
	if value, ok := status.Value().(string); ok {
		info.Status = PlaybackStatus(strings.ToLower(value))
	}

	metadata, err := player.GetProperty(mprisPlayerIface + ".Metadata")
	if err != nil {
		return info, fmt.Errorf("get metadata: %w", err)
	}
	if values, ok := metadata.Value().(map[string]dbus.Variant); ok {
		if title, ok := values["xesam:title"].Value().(string); ok {
			info.Title = title
		}
		if artists, ok := values["xesam:artist"].Value().([]string); ok {
			info.Artist = strings.Join(artists, ", ")
		}
	}

	return info, nil
}

func (s *mprisSession) Control(cmd TransportCommand) error {
	method, ok := mprisCommands[cmd]
	if !ok {
		return fmt.Errorf("unsupported transport command: %s", cmd)
	}

	call := s.conn.Object(s.name, mprisObjectPath).Call(mprisPlayerIface+"."+method, 0)
	if call.Err != nil {
		return fmt.Errorf("call %s: %w", method, call.Err)
	}

	return nil
}

func (s *mprisSession) Release() {
	s.logger.Debugw("Releasing media session", "session", s.name)
}

// appName prefers the owning process name and falls back to the player's Identity
func (s *mprisSession) appName(player dbus.BusObject) string {
	var pid uint32
	if err := s.conn.BusObject().Call(dbusInterface+".GetConnectionUnixProcessID", 0, s.name).Store(&pid); err == nil {
		if name, err := util.ProcessName(int(pid)); err == nil {
			return name
		}
	}

	identity, err := player.GetProperty(mprisRootInterface + ".Identity")
	if err != nil {
		return strings.TrimPrefix(s.name, mprisBusPrefix)
	}
	if value, ok := identity.Value().(string); ok {
		return value
	}

	return strings.TrimPrefix(s.name, mprisBusPrefix)
}
