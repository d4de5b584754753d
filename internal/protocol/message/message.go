// Package message defines the JSON payloads exchanged on each cast namespace.
package message

// Message types.
const (
	TypeConnect = "CONNECT"
	TypeClose   = "CLOSE"
	TypePing    = "PING"
	TypePong    = "PONG"

	TypeLaunch         = "LAUNCH"
	TypeStop           = "STOP"
	TypeGetStatus      = "GET_STATUS"
	TypeReceiverStatus = "RECEIVER_STATUS"
	TypeLaunchError    = "LAUNCH_ERROR"

	TypeLoad               = "LOAD"
	TypeMediaStatus        = "MEDIA_STATUS"
	TypeInvalidPlayerState = "INVALID_PLAYER_STATE"
	TypeLoadFailed         = "LOAD_FAILED"
	TypeLoadCancelled      = "LOAD_CANCELLED"

	TypeLoadChunk = "LOAD_CHUNK"
	TypeAck       = "ACK"
	TypeNack      = "NACK"
)

// DefaultMediaReceiver is the stock media receiver application.
const DefaultMediaReceiver = "CC1AD845"

// Control is the payload of connection and heartbeat messages.
type Control struct {
	Type      string `json:"type"`
	UserAgent string `json:"userAgent,omitempty"`
}

type Launch struct {
	Type      string `json:"type"`
	RequestID int64  `json:"requestId"`
	AppID     string `json:"appId"`
}

type Stop struct {
	Type      string `json:"type"`
	RequestID int64  `json:"requestId"`
	SessionID string `json:"sessionId,omitempty"`
}

type Application struct {
	AppID       string `json:"appId"`
	DisplayName string `json:"displayName,omitempty"`
	SessionID   string `json:"sessionId"`
	TransportID string `json:"transportId"`
	StatusText  string `json:"statusText,omitempty"`
}

type ReceiverStatus struct {
	Type      string `json:"type"`
	RequestID int64  `json:"requestId"`
	Status    struct {
		Applications []Application `json:"applications,omitempty"`
	} `json:"status"`
}

// Find returns the application running appID. Other applications in the
// status are never reported as the launched one.
func (r ReceiverStatus) Find(appID string) (Application, bool) {
	for _, app := range r.Status.Applications {
		if app.AppID == appID && app.TransportID != "" {
			return app, true
		}
	}
	return Application{}, false
}

// Failure is the shape of LAUNCH_ERROR and the media error replies.
type Failure struct {
	Type      string `json:"type"`
	RequestID int64  `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
	Detail    int    `json:"detailedErrorCode,omitempty"`
}

type Media struct {
	ContentID   string `json:"contentId"`
	ContentType string `json:"contentType"`
	StreamType  string `json:"streamType"`
}

type Load struct {
	Type      string `json:"type"`
	RequestID int64  `json:"requestId"`
	SessionID string `json:"sessionId,omitempty"`
	Media     Media  `json:"media"`
	Autoplay  bool   `json:"autoplay"`
}

type MediaSession struct {
	MediaSessionID int64  `json:"mediaSessionId"`
	PlayerState    string `json:"playerState,omitempty"`
}

type MediaStatus struct {
	Type      string         `json:"type"`
	RequestID int64          `json:"requestId"`
	Status    []MediaSession `json:"status"`
}

// MediaSessionID returns the first reported media session id.
func (m MediaStatus) MediaSessionID() (int64, bool) {
	for _, s := range m.Status {
		if s.MediaSessionID != 0 {
			return s.MediaSessionID, true
		}
	}
	return 0, false
}

// Chunk carries one slice of a base64 inline payload on the direct channel.
// The first chunk is a LOAD and declares TotalSize; the rest are LOAD_CHUNK.
type Chunk struct {
	Type        string `json:"type"`
	RequestID   int64  `json:"requestId"`
	ContentType string `json:"contentType,omitempty"`
	TotalSize   int    `json:"totalSize"`
	Offset      int    `json:"offset"`
	Data        string `json:"data"`
	Final       bool   `json:"final"`
}

// ChunkReply is ACK or NACK for one chunk. Received counts encoded bytes the
// peer holds so far.
type ChunkReply struct {
	Type      string `json:"type"`
	RequestID int64  `json:"requestId"`
	Received  int    `json:"received"`
	Reason    string `json:"reason,omitempty"`
}
