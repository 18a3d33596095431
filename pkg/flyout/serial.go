package flyout

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"

	"github.com/modernflyouts/flyout/pkg/flyout/util"
)

// SerialIO reads trigger commands from a serial device, one per line
type SerialIO struct {
	config *CanonicalConfig
	logger *zap.SugaredLogger

	mu          sync.Mutex
	connected   bool
	connOptions serial.OpenOptions
	conn        io.ReadWriteCloser

	commandConsumers []chan TriggerCommand
}

var expectedLinePattern = regexp.MustCompile(`^[A-Za-z]{2,6}\r?\n$`)

var errSerialDisabled = errors.New("serial: no COM port configured")

// NewSerialIO creates a SerialIO instance that uses the provided config's connection info
func NewSerialIO(logger *zap.SugaredLogger, config *CanonicalConfig) (*SerialIO, error) {
	logger = logger.Named("serial")

	sio := &SerialIO{
		config:           config,
		logger:           logger,
		commandConsumers: []chan TriggerCommand{},
	}

	logger.Debug("Created serial i/o instance")

	return sio, nil
}

// Start attempts to connect to our serial device. Returns errSerialDisabled when no port is configured.
func (sio *SerialIO) Start() error {
	sio.mu.Lock()
	defer sio.mu.Unlock()

	if sio.connected {
		sio.logger.Warn("Already connected, can't start another without closing first")
		return errors.New("serial: connection already active")
	}

	connectionInfo := sio.config.ConnectionInfo()
	if connectionInfo.COMPort == "" {
		sio.connOptions = serial.OpenOptions{}
		return errSerialDisabled
	}

	// on Linux a zero minimum read size makes reads return immediately
	minimumReadSize := 0
	if util.Linux() {
		minimumReadSize = 1
	}

	sio.connOptions = serial.OpenOptions{
		PortName:        connectionInfo.COMPort,
		BaudRate:        uint(connectionInfo.BaudRate),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: uint(minimumReadSize),
	}

	sio.logger.Debugw("Attempting serial connection",
		"comPort", sio.connOptions.PortName,
		"baudRate", sio.connOptions.BaudRate,
		"minReadSize", minimumReadSize)

	conn, err := serial.Open(sio.connOptions)
	if err != nil {
		sio.logger.Warnw("Failed to open serial connection", "error", err)
		return fmt.Errorf("open serial connection: %w", err)
	}

	sio.conn = conn
	sio.connected = true

	sio.logger.Infow("Connected", "conn", sio.conn)

	go sio.readLoop(conn)

	return nil
}

// Stop signals us to shut down our serial connection, if one is active
func (sio *SerialIO) Stop() {
	sio.mu.Lock()
	defer sio.mu.Unlock()

	if !sio.connected {
		sio.logger.Debug("Not currently connected, nothing to stop")
		return
	}

	sio.logger.Debug("Shutting down serial connection")
	sio.closeConnection()
}

// SubscribeToCommands returns an unbuffered channel that receives
// a trigger command every time a valid line is read
func (sio *SerialIO) SubscribeToCommands() chan TriggerCommand {
	ch := make(chan TriggerCommand)
	sio.commandConsumers = append(sio.commandConsumers, ch)

	return ch
}

// WatchConfigChanges reconnects whenever the port or baud rate change
func (sio *SerialIO) WatchConfigChanges(configReloadedChannel chan bool) {
	const stopDelay = 50 * time.Millisecond

	for range configReloadedChannel {
		if !sio.needsReconnect() {
			continue
		}

		sio.logger.Info("Detected change in connection parameters, attempting to renew connection")
		sio.Stop()

		// let the connection close
		<-time.After(stopDelay)

		if err := sio.Start(); err != nil {
			if errors.Is(err, errSerialDisabled) {
				sio.logger.Info("Serial trigger disabled")
				continue
			}
			sio.logger.Warnw("Failed to renew connection after parameter change", "error", err)
		} else {
			sio.logger.Debug("Renewed connection successfully")
		}
	}
}

func (sio *SerialIO) readLoop(conn io.ReadWriteCloser) {
	reader := bufio.NewReader(conn)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			sio.mu.Lock()
			stillCurrent := sio.conn == conn
			if stillCurrent {
				sio.logger.Warnw("Failed to read line from serial", "error", err)
				sio.closeConnection()
			}
			sio.mu.Unlock()

			return
		}

		sio.handleLine(line)
	}
}

func (sio *SerialIO) handleLine(line string) {
	if !expectedLinePattern.MatchString(line) {
		return
	}

	cmd, err := ParseTriggerCommand(line)
	if err != nil {
		sio.logger.Debugw("Ignoring unknown serial command", "line", strings.TrimSpace(line))
		return
	}

	for _, consumer := range sio.commandConsumers {
		consumer <- cmd
	}
}

func (sio *SerialIO) needsReconnect() bool {
	sio.mu.Lock()
	defer sio.mu.Unlock()

	connectionInfo := sio.config.ConnectionInfo()

	return connectionInfo.COMPort != sio.connOptions.PortName ||
		uint(connectionInfo.BaudRate) != sio.connOptions.BaudRate
}

// closeConnection must be called with mu held
func (sio *SerialIO) closeConnection() {
	if err := sio.conn.Close(); err != nil {
		sio.logger.Warnw("Failed to close serial connection", "error", err)
	} else {
		sio.logger.Debug("Serial connection closed")
	}

	sio.conn = nil
	sio.connected = false
}
