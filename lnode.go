package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lnlab/lnode/config"
	"github.com/lnlab/lnode/logging"
	"github.com/lnlab/lnode/node"
	"github.com/lnlab/lnode/noderpc"
)

func main() {
	fmt.Printf("lnode v0.1\n-h for list of options.\n")

	conf := &config.Config{
		HomeDir:      config.DefaultHomeDirName,
		ListenPort:   config.DefaultListenPort,
		RpcPort:      config.DefaultRpcPort,
		RpcHost:      config.DefaultRpcHost,
		PollInterval: config.DefaultPollInterval,
		LogLevel:     2,
	}
	key, err := config.Setup(conf)
	if err != nil {
		logging.Fatal(err)
	}

	n, err := node.New(conf, key)
	if err != nil {
		logging.Fatal(err)
	}
	if err := n.Start(); err != nil {
		logging.Fatal(err)
	}
	logging.Infof("node %s up, peers on %s\n",
		n.Peers.Id().String(), n.Peers.ListenAddr())

	rpc := &noderpc.NodeRPC{Gateway: n.Gateway, OffButton: make(chan bool, 1)}
	lis, err := noderpc.Serve(rpc, fmt.Sprintf("%s:%d", conf.RpcHost, conf.RpcPort))
	if err != nil {
		logging.Fatal(err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	select {
	case <-rpc.OffButton:
		logging.Infof("stop requested over rpc\n")
	case s := <-sigs:
		logging.Infof("caught %s, shutting down\n", s.String())
	}

	lis.Close()
	n.Stop()
}
