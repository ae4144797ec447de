package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/noderpc"
)

var lsCommand = &Command{
	Format:           lnutil.White("ls\n"),
	Description:      "Show the node id, connected peers, and every channel with its balances.\n",
	ShortDescription: "Show peers and channels\n",
}

var conCommand = &Command{
	Format:           fmt.Sprintf("%s%s\n", lnutil.White("con"), lnutil.ReqColor("peer@host:port")),
	Description:      "Connect to a peer.  The peer part pins the remote identity; leave it off to accept whoever answers.\n",
	ShortDescription: "Connect to a peer\n",
}

var fundCommand = &Command{
	Format:           fmt.Sprintf("%s%s\n", lnutil.White("fund"), lnutil.ReqColor("peer", "capacity", "push")),
	Description:      "Open a channel to a connected peer with the given capacity, pushing some of it to the far side.\n",
	ShortDescription: "Open a channel\n",
}

var pushCommand = &Command{
	Format:           fmt.Sprintf("%s%s\n", lnutil.White("push"), lnutil.ReqColor("chanid", "amount")),
	Description:      "Push funds to the peer over a channel, no hash lock.\n",
	ShortDescription: "Push funds over a channel\n",
}

var invoiceCommand = &Command{
	Format:           fmt.Sprintf("%s%s%s\n", lnutil.White("invoice"), lnutil.ReqColor("amount"), lnutil.OptColor("memo")),
	Description:      "Mint an invoice and print the payment hash to hand to whoever owes you.\n",
	ShortDescription: "Mint an invoice\n",
}

var payCommand = &Command{
	Format:           fmt.Sprintf("%s%s\n", lnutil.White("pay"), lnutil.ReqColor("chanid", "rhash", "amount")),
	Description:      "Pay an invoice over a channel by locking the amount behind its hash.\n",
	ShortDescription: "Pay an invoice\n",
}

var paysCommand = &Command{
	Format:           lnutil.White("pays\n"),
	Description:      "Show the payment book, both directions.\n",
	ShortDescription: "Show payments\n",
}

var closeCommand = &Command{
	Format:           fmt.Sprintf("%s%s%s\n", lnutil.White("close"), lnutil.ReqColor("chanid"), lnutil.OptColor("force")),
	Description:      "Close a channel cooperatively, or unilaterally with 'force'.\n",
	ShortDescription: "Close a channel\n",
}

var trackCommand = &Command{
	Format:           fmt.Sprintf("%s%s\n", lnutil.White("track"), lnutil.ReqColor("trackingid")),
	Description:      "Check on a command that came back pending.\n",
	ShortDescription: "Check on a pending command\n",
}

var cancelCommand = &Command{
	Format:           fmt.Sprintf("%s%s\n", lnutil.White("cancel"), lnutil.ReqColor("trackingid")),
	Description:      "Withdraw a pending command.  After the funding tx is out this turns into a close.\n",
	ShortDescription: "Withdraw a pending command\n",
}

var signCommand = &Command{
	Format:           fmt.Sprintf("%s%s\n", lnutil.White("sign"), lnutil.ReqColor("message")),
	Description:      "Sign a message with the node identity key.\n",
	ShortDescription: "Sign a message\n",
}

var stopCommand = &Command{
	Format:           lnutil.White("stop\n"),
	Description:      "Shut down the node.\n",
	ShortDescription: "Shut down the node\n",
}

var exitCommand = &Command{
	Format:           lnutil.White("exit\n"),
	Description:      fmt.Sprintf("Alias: %s\nExit the interactive shell.\n", lnutil.White("quit")),
	ShortDescription: "Exit the interactive shell\n",
}

var helpCommand = &Command{
	Format:           fmt.Sprintf("%s%s\n", lnutil.White("help"), lnutil.OptColor("command")),
	Description:      "Show information about a given command\n",
	ShortDescription: "Show information about a given command\n",
}

// Shellparse parses user input and hands it to command functions if matching
func (lc *shellClient) Shellparse(cmdslice []string) error {
	var err error
	var args []string
	cmd := cmdslice[0]
	if len(cmdslice) > 1 {
		args = cmdslice[1:]
	}
	if cmd == "exit" || cmd == "quit" {
		return fmt.Errorf("user exit")
	}

	switch cmd {
	case "help":
		err = lc.Help(args)
	case "ls":
		err = lc.Ls(args)
	case "con":
		err = lc.Con(args)
	case "fund":
		err = lc.Fund(args)
	case "push":
		err = lc.Push(args)
	case "invoice":
		err = lc.Invoice(args)
	case "pay":
		err = lc.Pay(args)
	case "pays":
		err = lc.Pays(args)
	case "close":
		err = lc.Close(args)
	case "track":
		err = lc.Track(args)
	case "cancel":
		err = lc.Cancel(args)
	case "sign":
		err = lc.Sign(args)
	case "stop":
		err = lc.Stop(args)
	default:
		fmt.Fprintf(color.Output, "command not recognized: %s\n", cmd)
		return nil
	}
	if err != nil {
		printErr(cmd, err)
	}
	return nil
}

func printOutcome(o noderpc.OutcomeReply) {
	switch o.State {
	case "completed":
		fmt.Fprintf(color.Output, "%s %s\n", lnutil.Green("completed"), o.Result)
	case "pending":
		fmt.Fprintf(color.Output, "%s track with: track %s\n",
			lnutil.Prompt("pending"), lnutil.White(o.TrackingId))
	default:
		fmt.Fprintf(color.Output, "%s %s\n", lnutil.Red("failed"), o.Error)
	}
}

func (lc *shellClient) Ls(textArgs []string) error {
	var info noderpc.InfoReply
	if err := lc.Call("NodeRPC.GetInfo", noderpc.NoArgs{}, &info); err != nil {
		return err
	}
	fmt.Fprintf(color.Output, "%s %s\n", lnutil.Header("node"), info.Id)
	if info.Degraded {
		fmt.Fprintf(color.Output, "%s node is read-only after a persistence failure\n",
			lnutil.Red("degraded"))
	}

	var cons noderpc.ListConnectionsReply
	if err := lc.Call("NodeRPC.ListConnections", noderpc.NoArgs{}, &cons); err != nil {
		return err
	}
	for _, p := range cons.Connections {
		state := lnutil.Red("offline")
		if p.Connected {
			state = lnutil.Green("online")
		}
		fmt.Fprintf(color.Output, "%s %s %s queued %d\n",
			lnutil.Header("peer"), p.Id.String(), state, p.Queued)
	}

	var chans noderpc.ChannelListReply
	if err := lc.Call("NodeRPC.ChannelList", noderpc.NoArgs{}, &chans); err != nil {
		return err
	}
	for _, c := range chans.Channels {
		fmt.Fprintf(color.Output, "%s %s %s\n  cap %s mine %s theirs %s htlcs %d commit %d\n",
			lnutil.Header("chan"), c.Id, c.Status,
			lnutil.SatoshiColor(c.Capacity), lnutil.SatoshiColor(c.MyBalance),
			lnutil.SatoshiColor(c.TheirBalance), c.HtlcsInFlight, c.CommitIdx)
	}
	return nil
}

func (lc *shellClient) Con(textArgs []string) error {
	if len(textArgs) < 1 {
		return fmt.Errorf("%s", conCommand.Format)
	}
	args := noderpc.ConnectArgs{Addr: textArgs[0]}
	if at := strings.Index(textArgs[0], "@"); at >= 0 {
		args.Peer = textArgs[0][:at]
		args.Addr = textArgs[0][at+1:]
	}
	var o noderpc.OutcomeReply
	if err := lc.Call("NodeRPC.Connect", args, &o); err != nil {
		return err
	}
	printOutcome(o)
	return nil
}

func (lc *shellClient) Fund(textArgs []string) error {
	if len(textArgs) < 3 {
		return fmt.Errorf("%s", fundCommand.Format)
	}
	capacity, err := strconv.ParseInt(textArgs[1], 10, 64)
	if err != nil {
		return err
	}
	push, err := strconv.ParseInt(textArgs[2], 10, 64)
	if err != nil {
		return err
	}
	var o noderpc.OutcomeReply
	err = lc.Call("NodeRPC.Fund",
		noderpc.FundArgs{Peer: textArgs[0], Capacity: capacity, Push: push}, &o)
	if err != nil {
		return err
	}
	printOutcome(o)
	return nil
}

func (lc *shellClient) Push(textArgs []string) error {
	if len(textArgs) < 2 {
		return fmt.Errorf("%s", pushCommand.Format)
	}
	amt, err := strconv.ParseInt(textArgs[1], 10, 64)
	if err != nil {
		return err
	}
	var o noderpc.OutcomeReply
	err = lc.Call("NodeRPC.Push", noderpc.PushArgs{ChanId: textArgs[0], Amt: amt}, &o)
	if err != nil {
		return err
	}
	printOutcome(o)
	return nil
}

func (lc *shellClient) Invoice(textArgs []string) error {
	if len(textArgs) < 1 {
		return fmt.Errorf("%s", invoiceCommand.Format)
	}
	amt, err := strconv.ParseInt(textArgs[0], 10, 64)
	if err != nil {
		return err
	}
	memo := strings.Join(textArgs[1:], " ")
	var reply noderpc.InvoiceReply
	err = lc.Call("NodeRPC.Invoice", noderpc.InvoiceArgs{Amt: amt, Memo: memo}, &reply)
	if err != nil {
		return err
	}
	fmt.Fprintf(color.Output, "invoice for %s\nhash %s\n",
		lnutil.SatoshiColor(reply.Amt), lnutil.White(reply.RHash))
	return nil
}

func (lc *shellClient) Pay(textArgs []string) error {
	if len(textArgs) < 3 {
		return fmt.Errorf("%s", payCommand.Format)
	}
	amt, err := strconv.ParseInt(textArgs[2], 10, 64)
	if err != nil {
		return err
	}
	var o noderpc.OutcomeReply
	err = lc.Call("NodeRPC.Pay",
		noderpc.PayArgs{ChanId: textArgs[0], RHash: textArgs[1], Amt: amt}, &o)
	if err != nil {
		return err
	}
	printOutcome(o)
	return nil
}

func (lc *shellClient) Pays(textArgs []string) error {
	var reply noderpc.PaymentListReply
	if err := lc.Call("NodeRPC.PaymentList", noderpc.NoArgs{}, &reply); err != nil {
		return err
	}
	for _, p := range reply.Payments {
		dir := lnutil.Red("out")
		if p.Incoming {
			dir = lnutil.Green("in")
		}
		fmt.Fprintf(color.Output, "%s %s %s %s hash %s\n",
			p.At, dir, lnutil.SatoshiColor(p.Amt), p.ChanId, p.RHash)
	}
	return nil
}

func (lc *shellClient) Close(textArgs []string) error {
	if len(textArgs) < 1 {
		return fmt.Errorf("%s", closeCommand.Format)
	}
	force := len(textArgs) > 1 && textArgs[1] == "force"
	var o noderpc.OutcomeReply
	err := lc.Call("NodeRPC.Close",
		noderpc.ChanArgs{ChanId: textArgs[0], Force: force}, &o)
	if err != nil {
		return err
	}
	printOutcome(o)
	return nil
}

func (lc *shellClient) Track(textArgs []string) error {
	if len(textArgs) < 1 {
		return fmt.Errorf("%s", trackCommand.Format)
	}
	var o noderpc.OutcomeReply
	err := lc.Call("NodeRPC.Track", noderpc.TrackArgs{TrackingId: textArgs[0]}, &o)
	if err != nil {
		return err
	}
	printOutcome(o)
	return nil
}

func (lc *shellClient) Cancel(textArgs []string) error {
	if len(textArgs) < 1 {
		return fmt.Errorf("%s", cancelCommand.Format)
	}
	var o noderpc.OutcomeReply
	err := lc.Call("NodeRPC.Cancel", noderpc.TrackArgs{TrackingId: textArgs[0]}, &o)
	if err != nil {
		return err
	}
	printOutcome(o)
	return nil
}

func (lc *shellClient) Sign(textArgs []string) error {
	if len(textArgs) < 1 {
		return fmt.Errorf("%s", signCommand.Format)
	}
	var reply noderpc.SignReply
	err := lc.Call("NodeRPC.Sign",
		noderpc.SignArgs{Msg: strings.Join(textArgs, " ")}, &reply)
	if err != nil {
		return err
	}
	fmt.Fprintf(color.Output, "sig %s\n", reply.Sig)
	return nil
}

func (lc *shellClient) Stop(textArgs []string) error {
	var reply noderpc.StatusReply
	if err := lc.Call("NodeRPC.Stop", noderpc.NoArgs{}, &reply); err != nil {
		return err
	}
	fmt.Fprintf(color.Output, "%s\n", reply.Status)
	return nil
}

func (lc *shellClient) Help(textArgs []string) error {
	listofCommands := map[string]*Command{
		"ls": lsCommand, "con": conCommand, "fund": fundCommand,
		"push": pushCommand, "invoice": invoiceCommand, "pay": payCommand,
		"pays": paysCommand, "close": closeCommand, "track": trackCommand,
		"cancel": cancelCommand, "sign": signCommand, "stop": stopCommand,
		"exit": exitCommand, "help": helpCommand,
	}
	if len(textArgs) > 0 {
		cmd, ok := listofCommands[textArgs[0]]
		if !ok {
			return fmt.Errorf("no such command: %s", textArgs[0])
		}
		fmt.Fprintf(color.Output, "%s%s", cmd.Format, cmd.Description)
		return nil
	}
	for _, name := range []string{
		"ls", "con", "fund", "push", "invoice", "pay", "pays",
		"close", "track", "cancel", "sign", "stop", "exit", "help",
	} {
		cmd := listofCommands[name]
		fmt.Fprintf(color.Output, "%s%s", cmd.Format, cmd.ShortDescription)
	}
	return nil
}
