package config

import (
	"bufio"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"

	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
)

// createDefaultConfigFile writes a starter config -- only call this if the
// config file isn't already there.
func createDefaultConfigFile(destinationPath string) error {
	dest, err := os.OpenFile(filepath.Join(destinationPath, DefaultConfigFilename),
		os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer dest.Close()

	writer := bufio.NewWriter(dest)
	if _, err = writer.WriteString("port=" + DefaultListenPort + "\n"); err != nil {
		return err
	}
	return writer.Flush()
}

// Setup fills in the config from flags and the ini file, prepares the home
// directory, wires the log, and reads (or mints) the node key.
func Setup(conf *Config) (*[32]byte, error) {
	// pre-parse to find an alternative home dir before touching the disk
	preconf := *conf
	preParser := NewConfigParser(&preconf, flags.HelpFlag)
	if _, err := preParser.ParseArgs(os.Args); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return nil, err
		}
	}

	if _, err := os.Stat(preconf.HomeDir); os.IsNotExist(err) {
		if err := os.MkdirAll(preconf.HomeDir, 0700); err != nil {
			return nil, err
		}
	}
	confPath := filepath.Join(preconf.HomeDir, DefaultConfigFilename)
	if _, err := os.Stat(confPath); os.IsNotExist(err) {
		if err := createDefaultConfigFile(preconf.HomeDir); err != nil {
			return nil, err
		}
	}
	conf.ConfigFile = confPath

	parser := NewConfigParser(conf, flags.Default)
	if err := flags.NewIniParser(parser).ParseFile(confPath); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, err
		}
	}
	// command line options take precedence over the file
	if _, err := parser.ParseArgs(os.Args); err != nil {
		return nil, err
	}

	logFilePath := filepath.Join(conf.HomeDir, DefaultLogFilename)
	logfile, err := os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}
	if conf.Verbose {
		logging.SetLogFile(logfile)
	} else {
		logging.SetLogFileOnly(logfile)
	}
	logging.SetLogLevel(conf.LogLevel)

	keyFilePath := filepath.Join(conf.HomeDir, DefaultKeyFileName)
	if conf.EncryptKey {
		return lnutil.EncryptKeyFile(keyFilePath)
	}
	return lnutil.ReadKeyFile(keyFilePath)
}
