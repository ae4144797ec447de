// Package noderpc exposes the gateway over json-rpc.  RPCs are how people
// tell the node what to do; every adapter (lnode-af, scripts, test rigs)
// comes through here.
package noderpc

import (
	"encoding/hex"
	"fmt"

	"github.com/lnlab/lnode/gateway"
	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/peermgr"
)

// NodeRPC is the user I/O surface.  It holds the gateway and listens and
// responds on RPC.
type NodeRPC struct {
	Gateway   *gateway.Gateway
	OffButton chan bool
}

type NoArgs struct {
	// nothin
}

type StatusReply struct {
	Status string
}

// OutcomeReply mirrors a gateway outcome.  Pending replies carry the
// tracking id to poll with.
type OutcomeReply struct {
	State      string
	TrackingId string
	Result     string
	Error      string
}

func fillOutcome(reply *OutcomeReply, o gateway.Outcome) {
	reply.State = o.State.String()
	reply.TrackingId = o.TrackingId
	reply.Result = o.Result
	if o.State == gateway.Failed {
		reply.Error = fmt.Sprintf("%s: %s", o.ErrKind.String(), o.Reason)
	}
}

// ------------------------- net

type ConnectArgs struct {
	Peer string // 66 char hex identity, may be empty to skip pinning
	Addr string
}

func (r *NodeRPC) Connect(args ConnectArgs, reply *OutcomeReply) error {
	fillOutcome(reply, r.Gateway.ConnectPeer(args.Peer, args.Addr))
	return nil
}

type ListConnectionsReply struct {
	Connections []peermgr.PeerInfo
	MyId        string
}

func (r *NodeRPC) ListConnections(args NoArgs, reply *ListConnectionsReply) error {
	reply.Connections = r.Gateway.ListPeers()
	reply.MyId = r.Gateway.NodeInfo().Id
	return nil
}

// ------------------------- channels

type FundArgs struct {
	Peer     string
	Capacity int64
	Push     int64
}

func (r *NodeRPC) Fund(args FundArgs, reply *OutcomeReply) error {
	peer, err := lnutil.PeerIdFromString(args.Peer)
	if err != nil {
		return err
	}
	fillOutcome(reply, r.Gateway.OpenChannel(peer, args.Capacity, args.Push))
	return nil
}

type ChanArgs struct {
	ChanId string
	Force  bool
}

func (r *NodeRPC) Close(args ChanArgs, reply *OutcomeReply) error {
	cid, err := lnutil.ChanIdFromString(args.ChanId)
	if err != nil {
		return err
	}
	fillOutcome(reply, r.Gateway.CloseChannel(cid, args.Force))
	return nil
}

type PushArgs struct {
	ChanId string
	Amt    int64
}

func (r *NodeRPC) Push(args PushArgs, reply *OutcomeReply) error {
	cid, err := lnutil.ChanIdFromString(args.ChanId)
	if err != nil {
		return err
	}
	fillOutcome(reply, r.Gateway.PushFunds(cid, args.Amt))
	return nil
}

type PayArgs struct {
	ChanId string
	RHash  string // 64 char hex payment hash
	Amt    int64
}

func (r *NodeRPC) Pay(args PayArgs, reply *OutcomeReply) error {
	cid, err := lnutil.ChanIdFromString(args.ChanId)
	if err != nil {
		return err
	}
	fillOutcome(reply, r.Gateway.SendPayment(cid, args.RHash, args.Amt))
	return nil
}

type ChannelListReply struct {
	Channels []gateway.ChanInfo
}

func (r *NodeRPC) ChannelList(args NoArgs, reply *ChannelListReply) error {
	reply.Channels = r.Gateway.ListChannels()
	return nil
}

// ------------------------- command tracking

type TrackArgs struct {
	TrackingId string
}

func (r *NodeRPC) Track(args TrackArgs, reply *OutcomeReply) error {
	fillOutcome(reply, r.Gateway.Track(args.TrackingId))
	return nil
}

func (r *NodeRPC) Cancel(args TrackArgs, reply *OutcomeReply) error {
	fillOutcome(reply, r.Gateway.Cancel(args.TrackingId))
	return nil
}

// ------------------------- invoices

type InvoiceArgs struct {
	Amt  int64
	Memo string
}

type InvoiceReply struct {
	RHash string
	Amt   int64
	Memo  string
}

func (r *NodeRPC) Invoice(args InvoiceArgs, reply *InvoiceReply) error {
	inv, err := r.Gateway.GetInvoice(args.Amt, args.Memo)
	if err != nil {
		return err
	}
	reply.RHash = hex.EncodeToString(inv.RHash[:])
	reply.Amt = inv.Amt
	reply.Memo = inv.Memo
	return nil
}

type PaymentInfo struct {
	At       string
	ChanId   string
	Amt      int64
	RHash    string
	Incoming bool
}

type PaymentListReply struct {
	Payments []PaymentInfo
}

func (r *NodeRPC) PaymentList(args NoArgs, reply *PaymentListReply) error {
	pays, err := r.Gateway.ListPayments()
	if err != nil {
		return err
	}
	for _, p := range pays {
		reply.Payments = append(reply.Payments, PaymentInfo{
			At:       p.At.Format("2006-01-02 15:04:05"),
			ChanId:   p.ChanId,
			Amt:      p.Amt,
			RHash:    hex.EncodeToString(p.RHash[:]),
			Incoming: p.Incoming,
		})
	}
	return nil
}

// ------------------------- node

type InfoReply struct {
	Id       string
	Channels int
	Peers    int
	Degraded bool
}

func (r *NodeRPC) GetInfo(args NoArgs, reply *InfoReply) error {
	st := r.Gateway.NodeInfo()
	reply.Id = st.Id
	reply.Channels = st.Channels
	reply.Peers = st.Peers
	reply.Degraded = st.Degraded
	return nil
}

type SignArgs struct {
	Msg string
}

type SignReply struct {
	Sig string
}

func (r *NodeRPC) Sign(args SignArgs, reply *SignReply) error {
	sig, err := r.Gateway.SignMessage([]byte(args.Msg))
	if err != nil {
		return err
	}
	reply.Sig = sig
	return nil
}

func (r *NodeRPC) Stop(args NoArgs, reply *StatusReply) error {
	reply.Status = "Stopping node"
	r.OffButton <- true
	return nil
}
