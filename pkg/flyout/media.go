package flyout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/conc/panics"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// ErrMediaUnavailable is returned by providers on platforms without a media session manager.
var ErrMediaUnavailable = errors.New("media session manager unavailable")

var errSessionDisposed = errors.New("session control disposed")

// PlaybackStatus is the transport state reported for a media session.
type PlaybackStatus string

const (
	StatusUnknown PlaybackStatus = "unknown"
	StatusPlaying PlaybackStatus = "playing"
	StatusPaused  PlaybackStatus = "paused"
	StatusStopped PlaybackStatus = "stopped"
)

// TransportCommand is a playback command sent to a media session.
type TransportCommand string

const (
	CommandPlay      TransportCommand = "play"
	CommandPause     TransportCommand = "pause"
	CommandPlayPause TransportCommand = "play_pause"
	CommandNext      TransportCommand = "next"
	CommandPrevious  TransportCommand = "previous"
	CommandStop      TransportCommand = "stop"
)

var transportCommands = []string{
	string(CommandPlay),
	string(CommandPause),
	string(CommandPlayPause),
	string(CommandNext),
	string(CommandPrevious),
	string(CommandStop),
}

// ParseTransportCommand parses a command name, accepting a few common aliases.
func ParseTransportCommand(name string) (TransportCommand, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	switch name {
	case "prev":
		name = string(CommandPrevious)
	case "toggle", "playpause":
		name = string(CommandPlayPause)
	}

	if !funk.ContainsString(transportCommands, name) {
		return "", fmt.Errorf("unknown transport command: %q", name)
	}

	return TransportCommand(name), nil
}

// SessionInfo is the displayable metadata of a media session.
type SessionInfo struct {
	ID     string         `json:"id"`
	App    string         `json:"app,omitempty"`
	Title  string         `json:"title,omitempty"`
	Artist string         `json:"artist,omitempty"`
	Status PlaybackStatus `json:"status"`
}

// MediaSession is an OS-tracked playback session.
type MediaSession interface {
	// ID returns the opaque OS identity of the session.
	ID() string

	// Info reads the current metadata and playback state.
	Info() (SessionInfo, error)

	// Control sends a transport command to the session.
	Control(cmd TransportCommand) error

	// Release frees anything held for this session handle.
	Release()
}

// MediaSessionManager is the OS media session manager.
type MediaSessionManager interface {
	// Sessions returns the currently reported sessions, in no particular order.
	Sessions() ([]MediaSession, error)

	// SubscribeSessionsChanged registers fn for session set changes. fn is
	// called from OS threads.
	SubscribeSessionsChanged(fn func()) (func(), error)
}

// SessionInfoNotifier is implemented by managers that can report metadata
// changes of one session. Without it, metadata is only read on set changes.
type SessionInfoNotifier interface {
	// SubscribeSessionInfoChanged registers fn for metadata changes of the
	// session with the given id. fn is called from OS threads.
	SubscribeSessionInfoChanged(fn func(id string)) (func(), error)
}

// MediaSessionProvider acquires the OS media session manager. RequestManager
// may take arbitrarily long, or never return.
type MediaSessionProvider interface {
	RequestManager(ctx context.Context) (MediaSessionManager, error)
}

// SessionControl is the per-session UI control wrapping one media session.
type SessionControl struct {
	logger   *zap.SugaredLogger
	session  MediaSession
	info     SessionInfo
	disposed bool
}

func newSessionControl(logger *zap.SugaredLogger, session MediaSession) *SessionControl {
	c := &SessionControl{
		logger:  logger,
		session: session,
	}
	c.Refresh()

	logger.Debugw("Created session control", "session", c.info.ID, "app", c.info.App)

	return c
}

// Info returns the last read session metadata.
func (c *SessionControl) Info() SessionInfo {
	return c.info
}

// Refresh re-reads session metadata. Failures keep the session listed with unknown status.
func (c *SessionControl) Refresh() {
	info, err := c.session.Info()
	if err != nil {
		c.logger.Debugw("Failed to read session info", "session", c.session.ID(), "error", err)
		info = SessionInfo{Status: StatusUnknown}
	}

	info.ID = c.session.ID()
	if info.Status == "" {
		info.Status = StatusUnknown
	}

	c.info = info
}

// Control forwards a transport command to the wrapped session.
func (c *SessionControl) Control(cmd TransportCommand) error {
	if c.disposed {
		return errSessionDisposed
	}

	if err := c.session.Control(cmd); err != nil {
		return fmt.Errorf("send %s to session %s: %w", cmd, c.info.ID, err)
	}

	return nil
}

// Dispose releases the wrapped session. Calling it again does nothing.
func (c *SessionControl) Dispose() {
	if c.disposed {
		return
	}

	c.disposed = true
	c.session.Release()
}

// MediaSessionAggregator mirrors the OS media sessions into a set of
// SessionControls. The set is rebuilt from scratch on every change.
// Controller context only, except for the manager acquisition goroutine.
type MediaSessionAggregator struct {
	ctx        context.Context
	logger     *zap.SugaredLogger
	dispatcher *Dispatcher
	provider   MediaSessionProvider

	manager         MediaSessionManager
	unsubscribe     func()
	unsubscribeInfo func()
	pending         bool

	// bumped on detach so late acquisitions are discarded
	generation uint64

	controls  map[string]*SessionControl
	order     []string
	available bool

	onAvailabilityChanged func(bool)
	onInfoChanged         func()
}

func newMediaSessionAggregator(
	ctx context.Context,
	logger *zap.SugaredLogger,
	dispatcher *Dispatcher,
	provider MediaSessionProvider,
	onAvailabilityChanged func(bool),
) *MediaSessionAggregator {
	logger = logger.Named("media")

	a := &MediaSessionAggregator{
		ctx:                   ctx,
		logger:                logger,
		dispatcher:            dispatcher,
		provider:              provider,
		controls:              make(map[string]*SessionControl),
		onAvailabilityChanged: onAvailabilityChanged,
	}

	logger.Debug("Created media session aggregator instance")

	return a
}

// Attach requests the media session manager in the background. Until it
// arrives the aggregator stays unavailable; if it never does, it stays that way.
func (a *MediaSessionAggregator) Attach() {
	if a.manager != nil || a.pending || a.provider == nil {
		return
	}

	a.pending = true
	generation := a.generation

	a.logger.Debug("Requesting media session manager")

	go func() {
		var (
			manager MediaSessionManager
			err     error
		)

		if recovered := panics.Try(func() {
			manager, err = a.provider.RequestManager(a.ctx)
		}); recovered != nil {
			err = recovered.AsError()
		}

		a.dispatcher.Post(func() {
			a.handleManagerAcquired(generation, manager, err)
		})
	}()
}

// Detach unsubscribes from the manager and disposes every session control.
func (a *MediaSessionAggregator) Detach() {
	a.generation++
	a.pending = false

	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	if a.unsubscribeInfo != nil {
		a.unsubscribeInfo()
		a.unsubscribeInfo = nil
	}

	if a.manager != nil {
		a.closeManager(a.manager)
		a.logger.Debug("Detached from media session manager")
	}
	a.manager = nil

	a.clear()
	a.setAvailable(false)
}

// OnSessionsChanged rebuilds the session set from the manager's current report.
func (a *MediaSessionAggregator) OnSessionsChanged() {
	if a.manager == nil {
		return
	}

	a.reconcile()
}

// OnSessionInfoChanged re-reads the metadata of one session. The session set
// and availability are left alone.
func (a *MediaSessionAggregator) OnSessionInfoChanged(id string) {
	if a.manager == nil {
		return
	}

	control, ok := a.controls[id]
	if !ok {
		return
	}

	control.Refresh()
	if a.onInfoChanged != nil {
		a.onInfoChanged()
	}
}

// Available reports whether at least one session is live.
func (a *MediaSessionAggregator) Available() bool {
	return a.available
}

// Sessions returns the metadata of all live sessions in report order.
func (a *MediaSessionAggregator) Sessions() []SessionInfo {
	infos := make([]SessionInfo, 0, len(a.order))
	for _, id := range a.order {
		infos = append(infos, a.controls[id].Info())
	}

	return infos
}

// Control sends cmd to the session with the given id.
func (a *MediaSessionAggregator) Control(id string, cmd TransportCommand) error {
	control, ok := a.controls[id]
	if !ok {
		return fmt.Errorf("no such session: %s", id)
	}

	if err := control.Control(cmd); err != nil {
		return err
	}

	control.Refresh()
	return nil
}

func (a *MediaSessionAggregator) handleManagerAcquired(generation uint64, manager MediaSessionManager, err error) {
	if generation != a.generation {
		a.logger.Debug("Discarding media session manager acquired after detach")
		if manager != nil {
			a.closeManager(manager)
		}
		return
	}

	a.pending = false

	if err != nil || manager == nil {
		a.logger.Debugw("Media session support unavailable", "error", err)
		return
	}

	unsubscribe, err := manager.SubscribeSessionsChanged(func() {
		a.dispatcher.Post(a.OnSessionsChanged)
	})
	if err != nil {
		a.logger.Debugw("Failed to subscribe to media session changes, staying unavailable", "error", err)
		a.closeManager(manager)
		return
	}

	a.manager = manager
	a.unsubscribe = unsubscribe

	if notifier, ok := manager.(SessionInfoNotifier); ok {
		unsubscribeInfo, err := notifier.SubscribeSessionInfoChanged(func(id string) {
			a.dispatcher.Post(func() { a.OnSessionInfoChanged(id) })
		})
		if err != nil {
			a.logger.Debugw("Failed to subscribe to media session info changes", "error", err)
		} else {
			a.unsubscribeInfo = unsubscribeInfo
		}
	}

	a.logger.Info("Attached to media session manager")

	a.reconcile()
}

// closeManager frees managers that hold an OS connection
func (a *MediaSessionAggregator) closeManager(manager MediaSessionManager) {
	closer, ok := manager.(interface{ Close() error })
	if !ok {
		return
	}

	if err := closer.Close(); err != nil {
		a.logger.Debugw("Failed to close media session manager", "error", err)
	}
}

func (a *MediaSessionAggregator) reconcile() {
	a.clear()

	sessions, err := a.manager.Sessions()
	if err != nil {
		a.logger.Warnw("Failed to get media sessions", "error", err)
	}

	ids := make([]string, len(sessions))
	for i, session := range sessions {
		ids[i] = session.ID()
	}

	if unique := funk.UniqString(ids); len(unique) != len(ids) {
		a.logger.Debugw("Collapsing duplicate media sessions", "reported", len(ids), "unique", len(unique))
	}

	for i, session := range sessions {
		id := ids[i]
		if _, ok := a.controls[id]; ok {
			session.Release()
			continue
		}

		a.controls[id] = newSessionControl(a.logger, session)
		a.order = append(a.order, id)
	}

	a.logger.Debugw("Reconciled media sessions", "count", len(a.order))
	a.setAvailable(len(a.order) > 0)
}

// clear disposes every control without touching availability
func (a *MediaSessionAggregator) clear() {
	for _, id := range a.order {
		a.controls[id].Dispose()
	}

	a.controls = make(map[string]*SessionControl)
	a.order = nil
}

func (a *MediaSessionAggregator) setAvailable(available bool) {
	a.available = available

	if a.onAvailabilityChanged != nil {
		a.onAvailabilityChanged(available)
	}
}

func (a *MediaSessionAggregator) String() string {
	return fmt.Sprintf("<%d media sessions>", len(a.order))
}
