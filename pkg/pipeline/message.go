package pipeline

// MessageType tells what a bus message carries.
type MessageType int

const (
	MessageTag MessageType = iota
	MessageError
	MessageEOS
)

func (t MessageType) String() string {
	switch t {
	case MessageTag:
		return "tag"
	case MessageError:
		return "error"
	case MessageEOS:
		return "eos"
	}

	return "unknown"
}

// Tag names carried by MessageTag.
const (
	TagTitle        = "title"
	TagOrganization = "organization"
)

// Message is an asynchronous notification from a running pipeline.
type Message struct {
	Type MessageType
	Tags map[string]string
	Err  error
}

// Bus receives pipeline messages. It is called from pipeline goroutines and
// must not block.
type Bus func(Message)
