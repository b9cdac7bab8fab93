package agent

// User-visible failure texts. The pipeline never surfaces internal
// errors to the sender; it substitutes one of these fixed strings.
const (
	// ReplyUnsafeInput answers input that failed the ingress scan.
	ReplyUnsafeInput = "I can't process that message — it contains content I'm not allowed to handle."

	// ReplyRateLimit answers a sender over the request cap.
	ReplyRateLimit = "You're sending messages faster than I can keep up with. Give me a moment and try again."

	// ReplyLockout answers a locked-out sender.
	ReplyLockout = "I've paused our conversation for a while after repeated problematic messages. Please come back later."

	// ReplySafeFallback substitutes for responses that failed ethical
	// review or output correction.
	ReplySafeFallback = "I'd rather not answer that the way I first drafted it. Could we approach the topic differently?"

	// ReplyInternalError substitutes when generation itself failed.
	ReplyInternalError = "Something went wrong on my side while composing a reply. Please try again."

	// farewellText is sent to active users on graceful shutdown.
	farewellText = "I'm shutting down for now. Talk to you soon."
)
