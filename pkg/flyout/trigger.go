package flyout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/thoas/go-funk"
)

// TriggerCommand is an input line understood by the serial and console trigger sources.
type TriggerCommand string

const (
	CommandVolume TriggerCommand = "volume"
	CommandMedia  TriggerCommand = "media"
	CommandUp     TriggerCommand = "up"
	CommandDown   TriggerCommand = "down"
	CommandMute   TriggerCommand = "mute"
)

var errKeyHookUnsupported = errors.New("global media key hook not supported on this platform")

// scrollStep is the number of percent points one up/down command moves the volume
const scrollStep = 2

var triggerCommands = []string{
	string(CommandVolume),
	string(CommandMedia),
	string(CommandUp),
	string(CommandDown),
	string(CommandMute),
}

// ParseTriggerCommand parses a trigger line, ignoring case and surrounding whitespace.
func ParseTriggerCommand(line string) (TriggerCommand, error) {
	name := strings.ToLower(strings.TrimSpace(line))

	if !funk.ContainsString(triggerCommands, name) {
		return "", fmt.Errorf("unknown trigger command %q", line)
	}

	return TriggerCommand(name), nil
}

// Apply forwards the command to the controller. Up and down also show the volume flyout.
func (cmd TriggerCommand) Apply(c *FlyoutController) {
	switch cmd {
	case CommandVolume:
		c.RequestShow(false)
	case CommandMedia:
		c.RequestShow(true)
	case CommandUp:
		c.OnUserScrolled(scrollStep)
		c.RequestShow(false)
	case CommandDown:
		c.OnUserScrolled(-scrollStep)
		c.RequestShow(false)
	case CommandMute:
		c.OnUserClickedMuteToggle()
		c.RequestShow(false)
	}
}
