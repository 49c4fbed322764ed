package messaging

// Kafka topics the pool publishes to.
const (
	// TopicShares carries every processed share.
	TopicShares = "pool.shares"
	// TopicBlockCandidates carries shares that met the network target.
	TopicBlockCandidates = "pool.block_candidates"
	// TopicBlockResults carries daemon verdicts on submitted blocks.
	TopicBlockResults = "pool.block_results"
)
