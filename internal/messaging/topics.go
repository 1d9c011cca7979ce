package messaging

// Topic constants for miner event publishing
const (
	TopicShares   = "miner.shares"   // one JSON ShareMessage per pool verdict
	TopicBlocks   = "miner.blocks"   // shares whose hash also meets the network target
	TopicJobs     = "miner.jobs"     // JSON JobMessage per mining.notify
	TopicHashrate = "miner.hashrate" // protobuf Struct samples
	TopicState    = "miner.state"    // protobuf Struct connection transitions
)
