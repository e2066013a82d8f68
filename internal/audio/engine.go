package audio

import (
	"context"
	"errors"
)

// ── Engine contract ───────────────────────────────────────────────────────────

var (
	// ErrNotInChannel is returned by channel-scoped operations outside a session.
	ErrNotInChannel = errors.New("audio: not in a channel")

	// ErrNoLocalTrack is returned by mute operations when the session joined
	// receive-only (no microphone captured).
	ErrNoLocalTrack = errors.New("audio: no local audio track")

	// ErrEngineClosed is returned once Close has been called.
	ErrEngineClosed = errors.New("audio: engine closed")
)

// ChannelInfo carries the credentials for joining one audio channel. It is
// handed to the client by the call-start notification and passed through
// unmodified.
type ChannelInfo struct {
	AppID       string `json:"appId,omitempty"`
	ChannelName string `json:"channelName"`
	Token       string `json:"token"`
	UID         string `json:"uid"`
}

// EngineHandler receives engine events for the current session. All funcs are
// optional; nil funcs are skipped. Handlers are invoked from engine-owned
// goroutines and must not block.
type EngineHandler struct {
	// OnJoined fires once the channel join has completed.
	OnJoined func(channel, uid string)

	// OnRemoteJoined fires when a remote user's media appears in the channel.
	OnRemoteJoined func(uid string)

	// OnRemoteAudio fires when the remote user's audio stream starts flowing.
	OnRemoteAudio func(uid string)

	// OnRemoteLeft fires when the remote user leaves the channel.
	OnRemoteLeft func(uid string)

	// OnError reports transport failures inside an established session.
	OnError func(err error)
}

// Engine is the real-time audio transport. One Engine serves at most one
// channel at a time; Join on a joined engine fails. Implementations are safe
// for concurrent use.
type Engine interface {
	// Bind installs the handler for subsequent sessions. Events from a
	// session that ended before Bind never reach the new handler.
	Bind(h EngineHandler)

	// Join connects to the channel described by info. Blocks until the
	// session is established or ctx expires.
	Join(ctx context.Context, info ChannelInfo) error

	// Leave tears the current session down. No-op when not joined.
	Leave() error

	// SetMicEnabled unmutes (true) or mutes (false) the local microphone.
	SetMicEnabled(enabled bool) error

	// SetPlaybackVolume sets the remote playback gain, 0..100.
	SetPlaybackVolume(volume int) error

	// Close releases the engine. The engine is unusable afterwards.
	Close() error
}
