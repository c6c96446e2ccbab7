package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestRejectsBothInterfaceAndReplayFile(t *testing.T) {
	dir := t.TempDir()
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	Flags(cmd, v)
	require.NoError(t, cmd.Flags().Set("interface", "eth0"))
	require.NoError(t, cmd.Flags().Set("replay-file", filepath.Join(dir, "x.pcap")))

	_, err := Load(v)
	require.Error(t, err)
}

func TestRejectsNeitherInterfaceNorReplayFile(t *testing.T) {
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	Flags(cmd, v)

	_, err := Load(v)
	require.Error(t, err)
}

func TestRejectsMissingReplayFile(t *testing.T) {
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	Flags(cmd, v)
	require.NoError(t, cmd.Flags().Set("replay-file", "/does/not/exist.pcap"))

	_, err := Load(v)
	require.Error(t, err)
}

func TestRejectsInvalidBindAddress(t *testing.T) {
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	Flags(cmd, v)
	require.NoError(t, cmd.Flags().Set("interface", "eth0"))
	require.NoError(t, cmd.Flags().Set("bind", "not-an-ip"))

	_, err := Load(v)
	require.Error(t, err)
}

func TestRejectsInvalidPort(t *testing.T) {
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	Flags(cmd, v)
	require.NoError(t, cmd.Flags().Set("interface", "eth0"))
	require.NoError(t, cmd.Flags().Set("port", "0"))

	_, err := Load(v)
	require.Error(t, err)
}

func TestAcceptsValidLiveConfig(t *testing.T) {
	dir := t.TempDir()
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	Flags(cmd, v)
	require.NoError(t, cmd.Flags().Set("interface", "eth0"))
	require.NoError(t, cmd.Flags().Set("capture-dir", dir))

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "eth0", cfg.Interface)
}
