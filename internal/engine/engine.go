// Package engine defines the contract between the call orchestrator and a
// signaling/media stack.
//
// The orchestrator never depends on a concrete stack. It registers callback
// handlers explicitly (CallHandler, FrameHandler, LogSink) and drives calls
// through the Endpoint, Account, Call and AudioMedia interfaces. Engines
// invoke callbacks from their own goroutines.
package engine

import (
	"context"
	"errors"
	"time"
)

// ErrDestroyed is returned by operations on an endpoint or port that has
// already been torn down.
var ErrDestroyed = errors.New("engine: endpoint destroyed")

// Engine creates endpoints.
type Engine interface {
	CreateEndpoint(cfg EndpointConfig) (Endpoint, error)
}

// EndpointConfig configures the process-wide endpoint.
type EndpointConfig struct {
	// LogSink receives every native log line. Required.
	LogSink LogSink
	// LogLevel is the highest engine level (1..6) forwarded to LogSink.
	// Zero forwards nothing.
	LogLevel int
	// UserAgent is advertised in signaling.
	UserAgent string

	STUNServers       []string
	STUNIgnoreFailure bool
}

// TransportID identifies a signaling transport created on an endpoint.
type TransportID int

// TransportConfig configures a signaling transport.
type TransportConfig struct {
	Kind          TransportKind
	BindAddress   string
	Port          int
	PublicAddress string
	// TLSVerifyServer enables certificate verification for TLS transports.
	TLSVerifyServer bool
}

// Endpoint owns transports, accounts and the media bridge.
type Endpoint interface {
	CreateTransport(cfg TransportConfig) (TransportID, error)
	Start(ctx context.Context) error
	// UseNullAudioDevice detaches the bridge from any sound hardware.
	UseNullAudioDevice() error
	CreateAccount(ctx context.Context, cfg AccountConfig) (Account, error)

	CreatePlayer(path string, loop bool) (Player, error)
	CreateRecorder(path string) (Recorder, error)
	CreateFramePort(name string, handler FrameHandler) (FramePort, error)

	// Destroy tears down the bridge and every transport. Safe to call twice.
	Destroy() error
}

// AccountConfig describes the identity a call is placed from.
type AccountConfig struct {
	IDURI        string
	RegistrarURI string
	TransportID  TransportID
	Credentials  Credentials

	SRTP            SRTPPolicy
	SecureSignaling bool

	Media MediaTransportConfig
	NAT   NATConfig
}

// Credentials for digest authentication.
type Credentials struct {
	Realm    string
	Username string
	Password string
}

// MediaTransportConfig binds RTP sockets.
type MediaTransportConfig struct {
	BindAddress   string
	PublicAddress string
	PortMin       int
	PortMax       int
}

// NATConfig is the account-level NAT traversal policy.
type NATConfig struct {
	ICEEnabled bool

	TURNEnabled   bool
	TURNServer    string
	TURNUsername  string
	TURNPassword  string
	TURNTransport TransportKind

	KeepaliveInterval time.Duration
	KeepaliveData     string
}

// Account is a registered identity.
type Account interface {
	// MakeCall sends an INVITE to destURI. Call and media state are reported
	// to handler asynchronously.
	MakeCall(ctx context.Context, destURI string, handler CallHandler) (Call, error)
	// Shutdown unregisters the account. Safe to call twice.
	Shutdown() error
}

// Call is one outbound call handle.
type Call interface {
	ID() string
	Info() CallInfo
	// AudioMedia returns the bridge port for the media stream at index.
	AudioMedia(index int) (AudioMedia, error)
	// Hangup sends CANCEL or BYE depending on state. Safe after disconnect.
	Hangup() error
}

// AudioMedia is a port on the media bridge.
type AudioMedia interface {
	// StartTransmit connects this port's output to sink's input.
	StartTransmit(sink AudioMedia) error
	// StopTransmit removes the connection to sink.
	StopTransmit(sink AudioMedia) error
	PortID() int
}

// Releaser is a native handle that must be explicitly destroyed.
type Releaser interface {
	Release() error
}

// Player plays a WAV file into the bridge.
type Player interface {
	AudioMedia
	Releaser
}

// Recorder writes everything transmitted to it into a WAV file.
type Recorder interface {
	AudioMedia
	Releaser
}

// FramePort hands every received frame to a FrameHandler.
type FramePort interface {
	AudioMedia
	Releaser
}

// CallHandler receives call callbacks from the engine goroutines.
type CallHandler interface {
	OnStateChanged(call Call, info CallInfo)
	OnMediaState(call Call, media []MediaInfo)
}

// FrameHandler receives raw little-endian 16-bit PCM frames.
type FrameHandler interface {
	OnFrame(frame []byte)
}

// LogEntry is one native log line.
type LogEntry struct {
	// Level is 1 (error) through 6 (trace).
	Level   int
	Message string
}

// LogSink receives native log lines on the engine's goroutines.
type LogSink interface {
	Write(entry LogEntry)
}

// CallInfo is a snapshot of a call.
type CallInfo struct {
	State          CallState
	StateText      string
	LastStatusCode int
	LastReason     string
	Media          []MediaInfo
}

// MediaInfo describes one negotiated media stream.
type MediaInfo struct {
	Index     int
	Type      MediaType
	Status    MediaStatus
	Direction MediaDirection
	Codec     string
	Secure    bool
}
