package keys

const (
	// notation dictionary for key formats:
	// p   = peer
	// m   = message
	// cpd = cached peer data
	// seq = per-peer message sequence high-water mark
	// All keys are lowercase; segments are separated by ":"
	// <...> = variable segment (e.g. <peer_id>, <seq>)

	// primary storage key formats
	CachedPeerDataKey = "p:%s:cpd"  // p:<peer_id>:cpd
	PeerSeqKey        = "p:%s:seq"  // p:<peer_id>:seq
	MessageKey        = "p:%s:m:%s" // p:<peer_id>:m:<seq>

	// prefixes
	PeerPrefix    = "p:%s:"   // p:<peer_id>:
	MessagePrefix = "p:%s:m:" // p:<peer_id>:m:

	// padding width (fixed for lexicographic ordering)
	SeqPadWidth = 20 // e.g. %020d

	// system keys
	SystemVersionKey   = "system:version"
	SystemCommitSeqKey = "system:commit_seq"
)
