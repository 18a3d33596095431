package flyout

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/modernflyouts/flyout/pkg/flyout/util"
)

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for flyout's configuration files.
// The user config is read-only to us; toggles made from the tray are written
// to the internal preferences file, which takes precedence.
type CanonicalConfig struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	consumersMu     sync.Mutex
	reloadConsumers []chan bool

	userConfigPath     string
	internalConfigPath string

	userConfig     *viper.Viper
	internalConfig *viper.Viper

	mu                 sync.RWMutex
	settings           Settings
	audioModuleEnabled bool
	connectionInfo     ConnectionInfo
	shellAddress       string
}

// ConnectionInfo holds the serial trigger connection settings. An empty COMPort disables it.
type ConnectionInfo struct {
	COMPort  string
	BaudRate int
}

// fileConfig is validated before being applied
type fileConfig struct {
	COMPort      string `validate:"omitempty,max=256"`
	BaudRate     int    `validate:"gt=0,lte=4000000"`
	ShellAddress string `validate:"omitempty,hostname_port"`
}

const (
	userConfigFilepath     = "config.yaml"
	internalConfigFilepath = "preferences.yaml"

	userConfigName     = "config"
	internalConfigName = "preferences"

	configType = "yaml"

	configKeyShowMediaInVolumeFlyout = "show_media_in_volume_flyout"
	configKeyShowVolumeInMediaFlyout = "show_volume_in_media_flyout"
	configKeyAudioModuleEnabled      = "audio_module_enabled"
	configKeyCOMPort                 = "com_port"
	configKeyBaudRate                = "baud_rate"
	configKeyShellAddress            = "shell_address"

	defaultBaudRate     = 9600
	defaultShellAddress = "127.0.0.1:8871"
)

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// NewConfig creates a config instance for the flyout object and sets up viper instances for flyout's config files
func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*CanonicalConfig, error) {
	return newConfigAt(logger, notifier, ".", filepath.Join(".", logDirectory))
}

func newConfigAt(logger *zap.SugaredLogger, notifier Notifier, userConfigPath string, internalConfigPath string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		userConfigPath:     userConfigPath,
		internalConfigPath: internalConfigPath,
		settings:           DefaultSettings(),
		audioModuleEnabled: true,
		connectionInfo:     ConnectionInfo{BaudRate: defaultBaudRate},
		shellAddress:       defaultShellAddress,
	}

	cc.userConfig = initializeViper(userConfigName, userConfigPath, map[string]interface{}{
		configKeyShowMediaInVolumeFlyout: true,
		configKeyShowVolumeInMediaFlyout: true,
		configKeyAudioModuleEnabled:      true,
		configKeyCOMPort:                 "",
		configKeyBaudRate:                defaultBaudRate,
		configKeyShellAddress:            defaultShellAddress,
	})
	cc.internalConfig = initializeViper(internalConfigName, internalConfigPath, nil)

	logger.Debug("Created config instance")

	return cc, nil
}

func initializeViper(name, path string, defaults map[string]interface{}) *viper.Viper {
	config := viper.New()
	config.SetConfigName(name)
	config.SetConfigType(configType)
	config.AddConfigPath(path)

	for key, value := range defaults {
		config.SetDefault(key, value)
	}

	return config
}

// Load reads flyout's config files from disk and tries to parse them.
// A missing user config is fine, defaults apply.
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.userConfigFilepath())

	if err := cc.userConfig.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cc.handleConfigError("user config", err)
		}
		cc.logger.Infow("Config file not found, using defaults", "path", cc.userConfigFilepath())
	}

	if err := cc.internalConfig.ReadInConfig(); err != nil {
		cc.logger.Debugw("Viper error from internal config, skipping", "error", err)
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"settings", cc.DisplaySettings(),
		"audioModuleEnabled", cc.AudioModuleEnabled(),
		"connectionInfo", cc.ConnectionInfo(),
		"shellAddress", cc.ShellAddress())

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool)

	cc.consumersMu.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.consumersMu.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.userConfigFilepath())

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) {
			return
		}

		now := time.Now()

		// editors tend to write twice in a row
		if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).After(now) {
			return
		}

		// the file may still be mid-write
		<-time.After(delayBetweenEventAndReload)

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")
			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	cc.userConfig.WatchConfig()

	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

// DisplaySettings returns the current flyout display preferences.
func (cc *CanonicalConfig) DisplaySettings() Settings {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return cc.settings
}

// AudioModuleEnabled reports whether the audio flyout should be running.
func (cc *CanonicalConfig) AudioModuleEnabled() bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return cc.audioModuleEnabled
}

// ConnectionInfo returns the serial trigger connection settings.
func (cc *CanonicalConfig) ConnectionInfo() ConnectionInfo {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return cc.connectionInfo
}

// ShellAddress returns the listen address of the hosting shell websocket.
func (cc *CanonicalConfig) ShellAddress() string {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return cc.shellAddress
}

// SetDisplaySettings persists display preferences to the internal config and notifies consumers.
func (cc *CanonicalConfig) SetDisplaySettings(settings Settings) error {
	cc.internalConfig.Set(configKeyShowMediaInVolumeFlyout, settings.ShowMediaInVolumeFlyout)
	cc.internalConfig.Set(configKeyShowVolumeInMediaFlyout, settings.ShowVolumeInMediaFlyout)

	cc.mu.Lock()
	cc.settings = settings
	cc.mu.Unlock()

	return cc.writeInternalConfig()
}

// SetAudioModuleEnabled persists the module switch to the internal config and notifies consumers.
func (cc *CanonicalConfig) SetAudioModuleEnabled(enabled bool) error {
	cc.internalConfig.Set(configKeyAudioModuleEnabled, enabled)

	cc.mu.Lock()
	cc.audioModuleEnabled = enabled
	cc.mu.Unlock()

	return cc.writeInternalConfig()
}

func (cc *CanonicalConfig) writeInternalConfig() error {
	if err := util.EnsureDirExists(cc.internalConfigPath); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}

	path := filepath.Join(cc.internalConfigPath, internalConfigFilepath)
	if err := cc.internalConfig.WriteConfigAs(path); err != nil {
		cc.logger.Warnw("Failed to write preferences", "path", path, "error", err)
		return fmt.Errorf("write preferences: %w", err)
	}

	cc.logger.Debugw("Wrote preferences", "path", path)
	cc.onConfigReloaded()

	return nil
}

func (cc *CanonicalConfig) populateFromVipers() error {
	file := fileConfig{
		COMPort:      cc.userConfig.GetString(configKeyCOMPort),
		BaudRate:     cc.userConfig.GetInt(configKeyBaudRate),
		ShellAddress: cc.userConfig.GetString(configKeyShellAddress),
	}

	if err := configValidator.Struct(file); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return fmt.Errorf("validate config: %w", err)
		}

		for _, fieldErr := range validationErrors {
			cc.logger.Warnw("Invalid config value, using default",
				"field", fieldErr.Field(),
				"value", fieldErr.Value(),
				"rule", fieldErr.Tag())

			switch fieldErr.Field() {
			case "COMPort":
				file.COMPort = ""
			case "BaudRate":
				file.BaudRate = defaultBaudRate
			case "ShellAddress":
				file.ShellAddress = defaultShellAddress
			}
		}
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.settings = Settings{
		ShowMediaInVolumeFlyout: cc.getBool(configKeyShowMediaInVolumeFlyout),
		ShowVolumeInMediaFlyout: cc.getBool(configKeyShowVolumeInMediaFlyout),
	}
	cc.audioModuleEnabled = cc.getBool(configKeyAudioModuleEnabled)
	cc.connectionInfo = ConnectionInfo{
		COMPort:  file.COMPort,
		BaudRate: file.BaudRate,
	}
	cc.shellAddress = file.ShellAddress
	if cc.shellAddress == "" {
		cc.shellAddress = defaultShellAddress
	}

	return nil
}

// getBool reads a toggle, preferring the internal preferences over the user config
func (cc *CanonicalConfig) getBool(key string) bool {
	if cc.internalConfig.IsSet(key) {
		return cc.internalConfig.GetBool(key)
	}

	return cc.userConfig.GetBool(key)
}

func (cc *CanonicalConfig) handleConfigError(configName string, err error) error {
	cc.logger.Warnw("Viper failed to read config", "config", configName, "error", err)

	if strings.Contains(err.Error(), "yaml:") {
		cc.notifier.Notify("Invalid configuration!",
			fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
	} else {
		cc.notifier.Notify("Error loading configuration!", "Please check flyout's logs for more details.")
	}

	return fmt.Errorf("read %s: %w", configName, err)
}

func (cc *CanonicalConfig) userConfigFilepath() string {
	return filepath.Join(cc.userConfigPath, userConfigFilepath)
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.consumersMu.Lock()
	consumers := append([]chan bool(nil), cc.reloadConsumers...)
	cc.consumersMu.Unlock()

	for _, consumer := range consumers {
		consumer <- true
	}
}
