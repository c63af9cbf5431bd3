package streamer

import "sync"

// CauseKind classifies why a session attempt ended.
type CauseKind string

const (
	CauseStopped       CauseKind = "stopped"
	CauseStartup       CauseKind = "startup"
	CausePipelineError CauseKind = "pipeline_error"
	CausePipelineEOS   CauseKind = "pipeline_eos"
	CauseEncoderExit   CauseKind = "encoder_exit"
	CauseBrokenPipe    CauseKind = "broken_pipe"
	CauseAudioStall    CauseKind = "audio_stall"
	CauseNoTarget      CauseKind = "no_target"
	CauseUnknown       CauseKind = "unknown"
)

// RestartCause is the reason a session attempt ended.
type RestartCause struct {
	Kind   CauseKind
	Reason string
}

func (c RestartCause) Error() string {
	return c.Reason
}

var (
	causeStopped  = RestartCause{Kind: CauseStopped, Reason: "stopped"}
	causeUnknown  = RestartCause{Kind: CauseUnknown, Reason: "exited without explicit reason"}
	causeNoTarget = RestartCause{Kind: CauseNoTarget, Reason: "no current URL set"}
)

// causeCell keeps the first cause recorded during an attempt.
type causeCell struct {
	mu    sync.Mutex
	cause *RestartCause
}

// Set records c unless a cause is already present. It reports whether c was
// recorded.
func (cc *causeCell) Set(c RestartCause) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.cause != nil {
		return false
	}
	cc.cause = &c

	return true
}

func (cc *causeCell) Get() (RestartCause, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.cause == nil {
		return RestartCause{}, false
	}

	return *cc.cause, true
}
