package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/BrianJOC/gameserver-installer/utils/pkginstaller"
	"github.com/BrianJOC/gameserver-installer/utils/steamcmd"
	"github.com/BrianJOC/gameserver-installer/utils/wine"
)

const (
	configName = "gameserver"
	envPrefix  = "GSI"
)

type Config struct {
	InstallRoot           string                    `mapstructure:"install_root"`
	ServerDir             string                    `mapstructure:"server_dir"`
	ServerExecutable      string                    `mapstructure:"server_executable"`
	AppID                 string                    `mapstructure:"app_id"`
	WindowsOnlyServer     bool                      `mapstructure:"windows_only_server"`
	EstimatedPayloadBytes int64                     `mapstructure:"estimated_payload_bytes"`
	WineURL               string                    `mapstructure:"wine_url"`
	SteamCMDURL           string                    `mapstructure:"steamcmd_url"`
	SteamCMDWindowsURL    string                    `mapstructure:"steamcmd_windows_url"`
	LogLevel              string                    `mapstructure:"log_level"`
	LogFile               string                    `mapstructure:"log_file"`
	RequiredDependencies  []pkginstaller.Dependency `mapstructure:"required_dependencies"`
}

func Default() *Config {
	return &Config{
		InstallRoot:           defaultInstallRoot(),
		ServerDir:             "server",
		ServerExecutable:      "enshrouded_server.exe",
		AppID:                 "2278520",
		WindowsOnlyServer:     true,
		EstimatedPayloadBytes: 3 << 30,
		WineURL:               wine.DefaultURL,
		SteamCMDURL:           steamcmd.DefaultLinuxURL,
		SteamCMDWindowsURL:    steamcmd.DefaultWindowsURL,
		LogLevel:              "info",
		LogFile:               "console",
		RequiredDependencies: []pkginstaller.Dependency{
			{Name: "curl", Package: "curl"},
			{Name: "tar", Package: "tar"},
			{Name: "xz", Package: "xz-utils"},
			{Name: "xvfb", Binary: "xvfb-run", Package: "xvfb"},
		},
	}
}

// Load reads cfgFile, or gameserver.yaml from the config dir and the working
// directory. A missing file leaves the defaults in place; GSI_* environment
// variables override scalar keys.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	setDefaults(v, cfg)
	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if v.IsSet("required_dependencies") {
		// replace the default list rather than merging into it
		cfg.RequiredDependencies = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("install_root", cfg.InstallRoot)
	v.SetDefault("server_dir", cfg.ServerDir)
	v.SetDefault("server_executable", cfg.ServerExecutable)
	v.SetDefault("app_id", cfg.AppID)
	v.SetDefault("windows_only_server", cfg.WindowsOnlyServer)
	v.SetDefault("estimated_payload_bytes", cfg.EstimatedPayloadBytes)
	v.SetDefault("wine_url", cfg.WineURL)
	v.SetDefault("steamcmd_url", cfg.SteamCMDURL)
	v.SetDefault("steamcmd_windows_url", cfg.SteamCMDWindowsURL)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
}

var appIDPattern = regexp.MustCompile(`^\d+$`)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.InstallRoot == "" {
		result = multierror.Append(result, errors.New("install_root must be set"))
	} else if !filepath.IsAbs(c.InstallRoot) {
		result = multierror.Append(result, fmt.Errorf("install_root %q must be an absolute path", c.InstallRoot))
	}
	if c.ServerDir == "" || filepath.IsAbs(c.ServerDir) {
		result = multierror.Append(result, fmt.Errorf("server_dir %q must be a relative directory name", c.ServerDir))
	}
	if c.ServerExecutable == "" {
		result = multierror.Append(result, errors.New("server_executable must be set"))
	}
	if !appIDPattern.MatchString(c.AppID) {
		result = multierror.Append(result, fmt.Errorf("app_id %q must be numeric", c.AppID))
	}
	if c.EstimatedPayloadBytes < 0 {
		result = multierror.Append(result, errors.New("estimated_payload_bytes must not be negative"))
	}
	return result.ErrorOrNil()
}

// ServerPath is the directory the payload is installed into.
func (c *Config) ServerPath() string {
	return filepath.Join(c.InstallRoot, c.ServerDir)
}

// ExecutablePath is the main server executable.
func (c *Config) ExecutablePath() string {
	return filepath.Join(c.ServerPath(), c.ServerExecutable)
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "gameserver-installer")
	}
	return "."
}

func defaultInstallRoot() string {
	switch runtime.GOOS {
	case "windows":
		if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
			return filepath.Join(dir, "GameServer")
		}
	default:
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "share", "gameserver")
		}
	}
	return filepath.Join(os.TempDir(), "gameserver")
}
