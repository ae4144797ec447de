// Package config holds the node's flag and ini file surface.
package config

import (
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

// Config is parsed from the command line and the ini file, flags winning.
type Config struct {
	HomeDir    string `long:"dir" description:"Home directory of the node as an absolute path."`
	ConfigFile string

	ListenPort string `long:"port" description:"TCP port to listen for peers on."`
	RpcPort    uint16 `short:"p" long:"rpcport" description:"Port to listen for RPC on."`
	RpcHost    string `long:"rpchost" description:"Host to bind the RPC listener to."`

	Explorer     string `long:"explorer" description:"Block explorer base URL, empty to run without a chain source."`
	PollInterval int64  `long:"pollinterval" description:"Seconds between chain confirmation polls."`

	Nat       string `long:"nat" description:"Forward the peer port via 'upnp' or 'pmp'."`
	WaitConfs bool   `long:"waitconfs" description:"Channel opens complete at funding depth instead of at commitment exchange."`

	EncryptKey bool `long:"encryptkey" description:"Put a passphrase on the key file, prompted at startup."`

	LogLevel int  `short:"l" long:"loglevel" description:"Log verbosity, 0 (errors) to 3 (debug)."`
	Verbose  bool `short:"v" long:"verbose" description:"Mirror the log to stdout."`
}

var (
	DefaultHomeDirName    = filepath.Join(os.Getenv("HOME"), ".lnode")
	DefaultKeyFileName    = "privkey.hex"
	DefaultConfigFilename = "lnode.conf"
	DefaultLogFilename    = "lnode.log"
	DefaultChanDbFilename = "chan.db"
	DefaultInvDbFilename  = "invoice.db"
	DefaultListenPort     = ":2448"
	DefaultRpcPort        = uint16(8001)
	DefaultRpcHost        = "localhost"
	DefaultPollInterval   = int64(10)
)

// NewConfigParser returns a new command line flags parser.
func NewConfigParser(conf *Config, options flags.Options) *flags.Parser {
	return flags.NewParser(conf, options)
}
