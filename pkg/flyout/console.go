package flyout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"go.uber.org/zap"
)

const consoleSnapshotTimeout = 2 * time.Second

// Console is an interactive trigger source reading commands from the terminal
type Console struct {
	logger     *zap.SugaredLogger
	controller *FlyoutController
	onQuit     func()
}

// NewConsole creates a console bound to the controller. onQuit is called on "quit" or EOF.
func NewConsole(logger *zap.SugaredLogger, controller *FlyoutController, onQuit func()) *Console {
	logger = logger.Named("console")
	logger.Debug("Created console instance")

	return &Console{
		logger:     logger,
		controller: controller,
		onQuit:     onQuit,
	}
}

// Run reads lines until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "flyout> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem(string(CommandVolume)),
			readline.PcItem(string(CommandMedia)),
			readline.PcItem(string(CommandUp)),
			readline.PcItem(string(CommandDown)),
			readline.PcItem(string(CommandMute)),
			readline.PcItem("state"),
			readline.PcItem("sessions"),
			readline.PcItem("play"),
			readline.PcItem("pause"),
			readline.PcItem("next"),
			readline.PcItem("prev"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return fmt.Errorf("create readline instance: %w", err)
	}
	defer rl.Close()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, io.EOF) {
				c.onQuit()
			}
			return nil
		}

		if quit := c.handleLine(ctx, rl.Stdout(), line); quit {
			c.onQuit()
			return nil
		}
	}
}

// handleLine executes one console line and reports whether the user asked to quit
func (c *Console) handleLine(ctx context.Context, out io.Writer, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "quit", "exit":
		return true

	case "state":
		view, err := c.snapshot(ctx)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}

		fmt.Fprintf(out, "enabled=%t trigger=%s primary=%s primaryVisible=%t secondaryVisible=%t\n",
			view.Enabled, view.Trigger, view.PrimaryContent, view.PrimaryVisible, view.SecondaryVisible)
		fmt.Fprintf(out, "volume=%s glyph=%s device=%t\n", view.Volume.Text, view.Volume.Tier, view.Volume.DevicePresent)

		return false

	case "sessions":
		view, err := c.snapshot(ctx)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}

		if len(view.Sessions) == 0 {
			fmt.Fprintln(out, "no media sessions")
		}
		for i, session := range view.Sessions {
			fmt.Fprintf(out, "%d: %s - %s (%s) [%s]\n", i, session.App, session.Title, session.Artist, session.Status)
		}

		return false
	}

	if transport, err := ParseTransportCommand(fields[0]); err == nil {
		c.controlSession(ctx, out, transport, fields[1:])
		return false
	}

	cmd, err := ParseTriggerCommand(fields[0])
	if err != nil {
		fmt.Fprintf(out, "unknown command %q\n", fields[0])
		return false
	}

	c.logger.Debugw("Applying console command", "command", cmd)
	cmd.Apply(c.controller)

	return false
}

func (c *Console) controlSession(ctx context.Context, out io.Writer, cmd TransportCommand, args []string) {
	index := 0
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(out, "invalid session index %q\n", args[0])
			return
		}
		index = parsed
	}

	view, err := c.snapshot(ctx)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}

	if index < 0 || index >= len(view.Sessions) {
		fmt.Fprintf(out, "no media session %d\n", index)
		return
	}

	c.controller.ControlSession(view.Sessions[index].ID, cmd)
}

func (c *Console) snapshot(ctx context.Context) (FlyoutView, error) {
	ctx, cancel := context.WithTimeout(ctx, consoleSnapshotTimeout)
	defer cancel()

	return c.controller.Snapshot(ctx)
}
