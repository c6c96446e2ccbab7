// Package config builds the CLI surface (§6) with spf13/cobra for
// flag parsing and spf13/viper for layering flags over environment
// variables and a config file, and validates the result into the
// fixed Configuration/Permission error kinds of §7. Grounded on the
// cobra+viper pairing used by els0r-goProbe, gravwell-gravwell and
// packetd-packetd.
package config

import (
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ErrConfiguration is the fixed "Configuration" error kind of §7:
// interface missing, replay file missing, invalid port/bind.
var ErrConfiguration = errors.New("config: invalid configuration")

// ErrPermission is the fixed "Permission" error kind of §7: cannot
// write to the capture directory.
var ErrPermission = errors.New("config: insufficient permission")

// Config is the fully resolved, validated runtime configuration.
type Config struct {
	Interface  string
	ReplayFile string
	Bind       string
	Port       int
	CaptureDir string
	Debug      bool
}

// Flags declares every §6 CLI flag on cmd and binds it into v.
func Flags(cmd *cobra.Command, v *viper.Viper) {
	cmd.Flags().String("interface", "", "live interface to capture on")
	cmd.Flags().String("replay-file", "", "capture file to replay instead of live capture")
	cmd.Flags().String("bind", "127.0.0.1", "observer endpoint bind address")
	cmd.Flags().Int("port", 8080, "observer endpoint port")
	cmd.Flags().String("capture-dir", "./captures", "directory holding rolling capture files")
	cmd.Flags().Bool("debug", false, "dump decoder state on panic")

	v.BindPFlag("interface", cmd.Flags().Lookup("interface"))
	v.BindPFlag("replay-file", cmd.Flags().Lookup("replay-file"))
	v.BindPFlag("bind", cmd.Flags().Lookup("bind"))
	v.BindPFlag("port", cmd.Flags().Lookup("port"))
	v.BindPFlag("capture-dir", cmd.Flags().Lookup("capture-dir"))
	v.BindPFlag("debug", cmd.Flags().Lookup("debug"))

	v.SetEnvPrefix("OBSERVATORY")
	v.AutomaticEnv()
}

// Load resolves v into a Config and validates it, returning an error
// wrapping ErrConfiguration or ErrPermission on the first violation
// found (§7: both kinds are fatal at startup).
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Interface:  v.GetString("interface"),
		ReplayFile: v.GetString("replay-file"),
		Bind:       v.GetString("bind"),
		Port:       v.GetInt("port"),
		CaptureDir: v.GetString("capture-dir"),
		Debug:      v.GetBool("debug"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Interface != "" && c.ReplayFile != "" {
		return errors.Wrap(ErrConfiguration, "--interface and --replay-file are mutually exclusive")
	}
	if c.Interface == "" && c.ReplayFile == "" {
		return errors.Wrap(ErrConfiguration, "one of --interface or --replay-file is required")
	}

	if c.ReplayFile != "" {
		if _, err := os.Stat(c.ReplayFile); err != nil {
			return errors.Wrapf(ErrConfiguration, "replay file %q not found", c.ReplayFile)
		}
	}

	if net.ParseIP(c.Bind) == nil {
		return errors.Wrapf(ErrConfiguration, "invalid bind address %q", c.Bind)
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Wrapf(ErrConfiguration, "invalid port %s", strconv.Itoa(c.Port))
	}

	if err := os.MkdirAll(c.CaptureDir, 0o755); err != nil {
		return errors.Wrapf(ErrPermission, "cannot create capture directory %q: %v", c.CaptureDir, err)
	}
	probe, err := os.CreateTemp(c.CaptureDir, ".write-probe-*")
	if err != nil {
		return errors.Wrapf(ErrPermission, "cannot write to capture directory %q", c.CaptureDir)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)

	return nil
}
