package main

import (
	"flag"
	"fmt"
	"net/rpc"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
	"github.com/lnlab/lnode/noderpc"
)

/*
lnode-af

Text mode interface to a running lnode.  Connects over jsonrpc and tells
the node what to do; the node answers so lnode-af can tell what's going on.
*/

const (
	homeDirName     = ".lnode"
	historyFilename = "lnode-af.history"
)

type shellClient struct {
	con     string
	homeDir string
	rpccon  *rpc.Client
}

type Command struct {
	Format           string
	Description      string
	ShortDescription string
}

func setConfig(lc *shellClient) {
	conptr := flag.String("con", "localhost:8001", "node rpc host:port to connect to")
	dirptr := flag.String("dir",
		filepath.Join(os.Getenv("HOME"), homeDirName), "directory to save settings")
	vptr := flag.Int("v", 2, "verbosity level")

	flag.Parse()
	lc.con = *conptr
	lc.homeDir = *dirptr
	logging.SetLogLevel(*vptr)
}

func main() {
	lc := new(shellClient)
	setConfig(lc)

	if _, err := os.Stat(lc.homeDir); os.IsNotExist(err) {
		os.Mkdir(lc.homeDir, 0700)
	}

	var err error
	lc.rpccon, err = noderpc.Dial(lc.con)
	if err != nil {
		logging.Fatal(err)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:       lnutil.Prompt("lnode-af") + lnutil.White("# "),
		HistoryFile:  filepath.Join(lc.homeDir, historyFilename),
		AutoComplete: newAutoCompleter(),
	})
	if err != nil {
		logging.Fatal(err)
	}
	defer rl.Close()

	// main shell loop
	for {
		msg, err := rl.Readline()
		if err != nil {
			break
		}
		msg = strings.TrimSpace(msg)
		if len(msg) == 0 {
			continue
		}
		rl.SaveHistory(msg)

		cmdslice := strings.Fields(msg)
		if err := lc.Shellparse(cmdslice); err != nil {
			// only error out of the parser is user exit
			break
		}
	}
}

func newAutoCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("ls"),
		readline.PcItem("con"),
		readline.PcItem("fund"),
		readline.PcItem("push"),
		readline.PcItem("pay"),
		readline.PcItem("invoice"),
		readline.PcItem("pays"),
		readline.PcItem("close"),
		readline.PcItem("track"),
		readline.PcItem("cancel"),
		readline.PcItem("sign"),
		readline.PcItem("help"),
		readline.PcItem("stop"),
		readline.PcItem("exit"),
	)
}

func (lc *shellClient) Call(serviceMethod string, args interface{}, reply interface{}) error {
	return lc.rpccon.Call(serviceMethod, args, reply)
}

func printErr(what string, err error) {
	fmt.Fprintf(color.Output, "%s error: %s\n", what, err)
}
