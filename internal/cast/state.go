package cast

import "errors"

var (
	ErrTimeout        = errors.New("cast: timed out waiting for reply")
	ErrStopped        = errors.New("cast: session stopped")
	ErrLaunchFailed   = errors.New("cast: launch rejected")
	ErrLoadFailed     = errors.New("cast: load failed")
	ErrLoadCancelled  = errors.New("cast: load cancelled")
	ErrChunkRejected  = errors.New("cast: chunk rejected")
	ErrRetryBudget    = errors.New("cast: retry budget exhausted")
	ErrPeerClosed     = errors.New("cast: peer closed connection")
	ErrReceiverDied   = errors.New("cast: receive loop ended")
	ErrNotReady       = errors.New("cast: session not ready")
	ErrUnexpectedType = errors.New("cast: unexpected message type")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	AppLaunching
	AppReady
	MediaLoading
	MediaReady
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case AppLaunching:
		return "app_launching"
	case AppReady:
		return "app_ready"
	case MediaLoading:
		return "media_loading"
	case MediaReady:
		return "media_ready"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
