package config

import (
	"os"
	"path/filepath"
	"testing"

	flags "github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigFileParses(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, createDefaultConfigFile(dir))

	conf := &Config{RpcPort: DefaultRpcPort}
	parser := NewConfigParser(conf, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(
		filepath.Join(dir, DefaultConfigFilename))
	require.NoError(t, err)

	require.Equal(t, DefaultListenPort, conf.ListenPort)
	require.Equal(t, DefaultRpcPort, conf.RpcPort)
}

func TestIniFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	ini := "port=:9999\nrpcport=8777\nexplorer=http://localhost:3001/insight-api\nwaitconfs=true\n"
	path := filepath.Join(dir, DefaultConfigFilename)
	require.NoError(t, os.WriteFile(path, []byte(ini), 0600))

	conf := &Config{ListenPort: DefaultListenPort, RpcPort: DefaultRpcPort}
	parser := NewConfigParser(conf, flags.Default)
	require.NoError(t, flags.NewIniParser(parser).ParseFile(path))

	require.Equal(t, ":9999", conf.ListenPort)
	require.Equal(t, uint16(8777), conf.RpcPort)
	require.Equal(t, "http://localhost:3001/insight-api", conf.Explorer)
	require.True(t, conf.WaitConfs)
}
