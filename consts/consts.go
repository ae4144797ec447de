package consts

// commonly used constants that can be used anywhere, without ambiguity
const (
	MaxChanCapacity = int64(100000000) // maximum channel capacity
	MinChanCapacity = int64(1000000)   // minimum channel capacity
	MinOutput       = int64(100000)    // minimum output amt post fee; also min channel balance
	MinSendAmt      = int64(10000)     // minimum amount that can be pushed through a chan
	MaxSendAmt      = int64(1 << 30)   // maximum amount that can be pushed through a chan
	CloseFee        = int64(500)       // flat fee on a cooperative close tx

	MaxChannels        = 1024 // maximum number of channels a node will carry
	MaxHtlcsPerChan    = 16   // maximum uncleared HTLCs on one channel
	MaxConns           = 120  // maximum number of peer connections
	DefaultLockTime    = 500  // default HTLC locktime in blocks
	DefaultFundingConf = 3    // confirmations before a channel goes active
	CloseConf          = 1    // confirmations before a close is considered final

	MaxPersistRetries = 5 // checkpoint write attempts before the node goes read-only
)
