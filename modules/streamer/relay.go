package streamer

import "github.com/zachfi/fmstreamer/pkg/rds"

type textSink interface {
	Send(rds.Message)
}

// relay forwards station name and title changes to the control channel.
// It belongs to the session loop and is not safe for concurrent use.
type relay struct {
	sink     textSink
	last     map[rds.Kind]string
	onChange func(rds.Message)
}

func newRelay(sink textSink, onChange func(rds.Message)) *relay {
	return &relay{
		sink:     sink,
		last:     make(map[rds.Kind]string, 2),
		onChange: onChange,
	}
}

// update sends text when it differs from the last value of the same kind.
func (r *relay) update(kind rds.Kind, text string) bool {
	if text == "" || r.last[kind] == text {
		return false
	}
	r.last[kind] = text

	m := rds.Message{Kind: kind, Text: text}
	r.sink.Send(m)
	metricRDSUpdates.WithLabelValues(string(kind)).Inc()

	if r.onChange != nil {
		r.onChange(m)
	}

	return true
}
