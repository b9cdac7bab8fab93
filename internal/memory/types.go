package memory

// Message is an inbound user message. Immutable once received.
type Message struct {
	Sender    string            `json:"sender"`
	Content   string            `json:"content"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Response is a generated system reply tied to the message it answers.
type Response struct {
	Text         string  `json:"text"`
	InResponseTo Message `json:"in_response_to"`
	Timestamp    int64   `json:"timestamp"`
}

// Record types stored in the interaction collection.
const (
	TypeUserMessage      = "user_message"
	TypeSystemResponse   = "system_response"
	TypeSystemReflection = "system_reflection"
)

// record is one entry of the in-process interaction log, mirroring the
// metadata stored in the vector collection. The log provides the
// recency-ordered view the vector index does not.
type record struct {
	ID                string
	Type              string
	Content           string
	Source            string
	Timestamp         int64
	InResponseTo      string
	OriginalSender    string
	OriginalTimestamp int64
}

// Pair is a user message matched with the system response that
// answered it. ResponseText is empty when no matching response exists;
// the slot is still returned.
type Pair struct {
	UserMessage  Message
	ResponseText string
}
