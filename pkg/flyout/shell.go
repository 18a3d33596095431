package flyout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	shellPath = "/ws"

	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	shellSnapshotTimeout = time.Second
	shellShutdownTimeout = 2 * time.Second

	clientSendBuffer    = 32
	hubBroadcastBuffer  = 128
	hubRegisterBuffer   = 16
	maxInboundFrameSize = 4096
)

// outbound frame types
const (
	frameShow      = "show"
	frameState     = "state"
	frameStateInit = "state_init"
)

// inbound frame types
const (
	frameSlider    = "slider"
	frameScroll    = "scroll"
	frameMute      = "mute"
	frameTransport = "transport"
	frameTrigger   = "trigger"
)

type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type sliderData struct {
	Value float64 `json:"value"`
}

type scrollData struct {
	Delta int `json:"delta"`
}

type transportData struct {
	Session string `json:"session"`
	Command string `json:"command"`
}

type triggerData struct {
	Media bool `json:"media"`
}

// WebSocketShell is a HostingShell that forwards flyout state to websocket
// clients and routes their input back to the controller.
type WebSocketShell struct {
	logger *zap.SugaredLogger

	controller atomic.Pointer[FlyoutController]

	broadcast  chan []byte
	register   chan *shellClient
	unregister chan *shellClient
	// closed when Run returns
	done       chan struct{}
	doneOnce   sync.Once

	mu      sync.Mutex
	clients map[*shellClient]struct{}

	upgrader websocket.Upgrader
}

type shellClient struct {
	shell *WebSocketShell
	conn  *websocket.Conn
	send  chan []byte

	remoteAddr string
	closeOnce  sync.Once
}

// NewWebSocketShell creates a shell. Call Run and ListenAndServe to accept renderers.
func NewWebSocketShell(logger *zap.SugaredLogger) *WebSocketShell {
	logger = logger.Named("shell")

	s := &WebSocketShell{
		logger:     logger,
		broadcast:  make(chan []byte, hubBroadcastBuffer),
		register:   make(chan *shellClient, hubRegisterBuffer),
		unregister: make(chan *shellClient, hubRegisterBuffer),
		done:       make(chan struct{}),
		clients:    make(map[*shellClient]struct{}),
		upgrader: websocket.Upgrader{
			// the shell is a local renderer
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	logger.Debug("Created websocket shell instance")

	return s
}

// SetController binds inbound frames to a controller. Until it is called they are dropped.
func (s *WebSocketShell) SetController(controller *FlyoutController) {
	s.controller.Store(controller)
}

// ShowFlyout tells every connected renderer to show the flyout.
func (s *WebSocketShell) ShowFlyout() {
	s.broadcastFrame(frameShow, nil)
}

// StateChanged sends the latest view to every connected renderer.
func (s *WebSocketShell) StateChanged(view FlyoutView) {
	s.broadcastFrame(frameState, view)
}

// Handler returns the websocket endpoint handler.
func (s *WebSocketShell) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(shellPath, s.handleUpgrade)

	return mux
}

// Run processes hub events until ctx is done, then disconnects all clients.
func (s *WebSocketShell) Run(ctx context.Context) {
	s.logger.Debug("Starting websocket hub")

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Stopping websocket hub")
			s.doneOnce.Do(func() { close(s.done) })
			s.closeAllClients()
			return

		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = struct{}{}
			n := len(s.clients)
			s.mu.Unlock()

			s.logger.Infow("Shell client connected", "remoteAddr", c.remoteAddr, "clients", n)

		case c := <-s.unregister:
			s.removeClient(c, "unregister")

		case msg := <-s.broadcast:
			var slow []*shellClient

			s.mu.Lock()
			for c := range s.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			s.mu.Unlock()

			for _, c := range slow {
				s.removeClient(c, "slow client")
			}
		}
	}
}

// ListenAndServe serves the websocket endpoint until ctx is done.
func (s *WebSocketShell) ListenAndServe(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shellShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnw("Failed to shut down shell server", "error", err)
		}
	}()

	s.logger.Infow("Serving hosting shell", "address", fmt.Sprintf("ws://%s%s", address, shellPath))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve hosting shell: %w", err)
	}

	return nil
}

func (s *WebSocketShell) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Failed to upgrade shell connection", "error", err)
		return
	}

	client := &shellClient{
		shell:      s,
		conn:       conn,
		send:       make(chan []byte, clientSendBuffer),
		remoteAddr: r.RemoteAddr,
	}

	// queue state_init before registering so it is the first frame the client sees
	if frame, ok := s.stateInitFrame(r.Context()); ok {
		client.send <- frame
	}

	select {
	case s.register <- client:
	case <-s.done:
		client.close()
		return
	}

	// pumps outlive the request context
	go client.writePump()
	go client.readPump()
}

func (s *WebSocketShell) stateInitFrame(ctx context.Context) ([]byte, bool) {
	controller := s.controller.Load()
	if controller == nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, shellSnapshotTimeout)
	defer cancel()

	view, err := controller.Snapshot(ctx)
	if err != nil {
		s.logger.Warnw("Failed to snapshot flyout state for new client", "error", err)
		return nil, false
	}

	frame, err := marshalFrame(frameStateInit, view)
	if err != nil {
		s.logger.Warnw("Failed to marshal state_init frame", "error", err)
		return nil, false
	}

	return frame, true
}

// broadcastFrame never blocks. A full hub queue drops the frame.
func (s *WebSocketShell) broadcastFrame(frameType string, data interface{}) {
	frame, err := marshalFrame(frameType, data)
	if err != nil {
		s.logger.Warnw("Failed to marshal shell frame", "type", frameType, "error", err)
		return
	}

	select {
	case s.broadcast <- frame:
	default:
		s.logger.Warnw("Shell broadcast queue full, dropping frame", "type", frameType)
	}
}

func marshalFrame(frameType string, data interface{}) ([]byte, error) {
	now := time.Now().UTC()
	frame := envelope{Type: frameType, Ts: &now}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", frameType, err)
		}
		frame.Data = raw
	}

	return json.Marshal(frame)
}

// handleFrame routes an inbound frame to the controller
func (s *WebSocketShell) handleFrame(raw []byte) error {
	controller := s.controller.Load()
	if controller == nil {
		return errors.New("no controller bound")
	}

	var frame envelope
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch frame.Type {
	case frameSlider:
		var data sliderData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("decode %s: %w", frame.Type, err)
		}
		controller.OnUserMovedSlider(data.Value)

	case frameScroll:
		var data scrollData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("decode %s: %w", frame.Type, err)
		}
		controller.OnUserScrolled(data.Delta)

	case frameMute:
		controller.OnUserClickedMuteToggle()

	case frameTransport:
		var data transportData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("decode %s: %w", frame.Type, err)
		}

		cmd, err := ParseTransportCommand(data.Command)
		if err != nil {
			return err
		}
		controller.ControlSession(data.Session, cmd)

	case frameTrigger:
		var data triggerData
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &data); err != nil {
				return fmt.Errorf("decode %s: %w", frame.Type, err)
			}
		}
		controller.RequestShow(data.Media)

	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}

	return nil
}

func (s *WebSocketShell) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		c.close()
		delete(s.clients, c)
	}
}

func (s *WebSocketShell) removeClient(c *shellClient, reason string) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()

	if !ok {
		return
	}

	c.close()
	s.logger.Infow("Shell client disconnected", "remoteAddr", c.remoteAddr, "reason", reason, "clients", n)
}

func (c *shellClient) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		close(c.send)
	})
}

func (c *shellClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.shell.logger.Debugw("Shell write failed", "remoteAddr", c.remoteAddr, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shell.logger.Debugw("Shell ping failed", "remoteAddr", c.remoteAddr, "error", err)
				return
			}
		}
	}
}

// leave hands c to the hub for removal. send stays open while the hub may
// still broadcast to c; only a stopped hub lets c close itself.
func (c *shellClient) leave() {
	select {
	case c.shell.unregister <- c:
	case <-c.shell.done:
		c.close()
	}
}

func (c *shellClient) readPump() {
	defer c.leave()

	c.conn.SetReadLimit(maxInboundFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.shell.logger.Debugw("Shell read failed", "remoteAddr", c.remoteAddr, "error", err)
			}
			return
		}

		// any frame proves the client is alive
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := c.shell.handleFrame(raw); err != nil {
			c.shell.logger.Debugw("Ignoring shell frame", "remoteAddr", c.remoteAddr, "error", err)
		}
	}
}
