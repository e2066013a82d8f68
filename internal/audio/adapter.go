package audio

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Callbacks is the single-slot event surface of the Adapter. Unlike the
// notification channel's multi-subscriber registries, installing callbacks
// replaces whatever was installed before — the call manager is the only
// consumer, and the slot is cleared when a session ends so events from a dead
// session cannot leak into the next one.
type Callbacks struct {
	OnJoinSuccess     func(channel, uid string)
	OnUserJoined      func(uid string)
	OnAudioSubscribed func(uid string)
	OnUserLeft        func(uid string)
	OnError           func(err error)
}

// State is a read-only snapshot of the adapter.
type State struct {
	InChannel   bool
	ChannelName string
	Muted       bool
	Volume      int
	RemoteUsers []string
}

// Adapter wraps the audio Engine with session bookkeeping: current channel,
// mute flag, playback volume, and the per-session callback slot. All methods
// are safe for concurrent use.
type Adapter struct {
	engine Engine

	mu        sync.RWMutex
	callbacks Callbacks
	inChannel bool
	channel   string
	muted     bool
	volume    int
	remote    map[string]struct{}
}

// NewAdapter wraps engine. initialVolume is the playback gain applied when a
// channel is joined, 0..100.
func NewAdapter(engine Engine, initialVolume int) *Adapter {
	a := &Adapter{engine: engine, volume: initialVolume}
	engine.Bind(EngineHandler{
		OnJoined: a.onJoined,
		OnRemoteJoined: func(uid string) {
			a.mu.Lock()
			if a.remote == nil {
				a.remote = make(map[string]struct{})
			}
			a.remote[uid] = struct{}{}
			a.mu.Unlock()
			a.forward(func(cb Callbacks) { call(cb.OnUserJoined, uid) })
		},
		OnRemoteAudio: func(uid string) { a.forward(func(cb Callbacks) { call(cb.OnAudioSubscribed, uid) }) },
		OnRemoteLeft: func(uid string) {
			a.mu.Lock()
			delete(a.remote, uid)
			a.mu.Unlock()
			a.forward(func(cb Callbacks) { call(cb.OnUserLeft, uid) })
		},
		OnError: func(err error) {
			a.forward(func(cb Callbacks) {
				if cb.OnError != nil {
					cb.OnError(err)
				}
			})
		},
	})
	return a
}

func call(fn func(string), v string) {
	if fn != nil {
		fn(v)
	}
}

func (a *Adapter) onJoined(channel, uid string) {
	a.forward(func(cb Callbacks) {
		if cb.OnJoinSuccess != nil {
			cb.OnJoinSuccess(channel, uid)
		}
	})
}

// forward invokes fn with the current callback slot, outside the lock.
func (a *Adapter) forward(fn func(Callbacks)) {
	a.mu.RLock()
	cb := a.callbacks
	a.mu.RUnlock()
	fn(cb)
}

// SetCallbacks installs cb, replacing any previously installed slot.
func (a *Adapter) SetCallbacks(cb Callbacks) {
	a.mu.Lock()
	a.callbacks = cb
	a.mu.Unlock()
}

// ClearCallbacks empties the slot. Events that race with the clear may still
// observe the old slot; callers that care should discard events for a session
// they no longer track.
func (a *Adapter) ClearCallbacks() {
	a.SetCallbacks(Callbacks{})
}

// JoinChannel joins the audio channel described by info. Fails when a session
// is already active.
func (a *Adapter) JoinChannel(ctx context.Context, info ChannelInfo) error {
	a.mu.Lock()
	if a.inChannel {
		cur := a.channel
		a.mu.Unlock()
		return fmt.Errorf("audio: already in channel %q", cur)
	}
	a.mu.Unlock()

	if err := a.engine.Join(ctx, info); err != nil {
		return err
	}

	a.mu.Lock()
	a.inChannel = true
	a.channel = info.ChannelName
	a.remote = nil
	muted, volume := a.muted, a.volume
	a.mu.Unlock()

	// Re-assert session-scoped settings on the fresh transport.
	if muted {
		if err := a.engine.SetMicEnabled(false); err != nil && err != ErrNoLocalTrack {
			log.Printf("AUDIO: re-apply mute after join: %v", err)
		}
	}
	if err := a.engine.SetPlaybackVolume(volume); err != nil {
		log.Printf("AUDIO: re-apply volume after join: %v", err)
	}

	log.Printf("AUDIO: joined channel %q (uid=%s)", info.ChannelName, info.UID)
	return nil
}

// LeaveChannel ends the current session and clears the callback slot.
// Idempotent: leaving while not in a channel is a no-op.
func (a *Adapter) LeaveChannel() error {
	a.mu.Lock()
	if !a.inChannel {
		a.mu.Unlock()
		return nil
	}
	a.inChannel = false
	channel := a.channel
	a.channel = ""
	a.remote = nil
	a.callbacks = Callbacks{}
	a.mu.Unlock()

	err := a.engine.Leave()
	if err != nil {
		log.Printf("AUDIO: leave channel %q: %v", channel, err)
		return err
	}
	log.Printf("AUDIO: left channel %q", channel)
	return nil
}

// ToggleMute flips the microphone mute flag and returns the new muted state.
func (a *Adapter) ToggleMute() (bool, error) {
	a.mu.Lock()
	target := !a.muted
	a.mu.Unlock()
	if err := a.SetMuted(target); err != nil {
		return !target, err
	}
	return target, nil
}

// SetMuted mutes (true) or unmutes (false) the microphone.
func (a *Adapter) SetMuted(muted bool) error {
	a.mu.Lock()
	if !a.inChannel {
		a.mu.Unlock()
		return ErrNotInChannel
	}
	a.mu.Unlock()

	if err := a.engine.SetMicEnabled(!muted); err != nil {
		return err
	}

	a.mu.Lock()
	a.muted = muted
	a.mu.Unlock()
	return nil
}

// SetVolume sets the remote playback volume, 0..100.
func (a *Adapter) SetVolume(volume int) error {
	if volume < 0 || volume > 100 {
		return fmt.Errorf("audio: volume %d out of range 0..100", volume)
	}

	a.mu.Lock()
	inChannel := a.inChannel
	a.mu.Unlock()
	if !inChannel {
		return ErrNotInChannel
	}

	if err := a.engine.SetPlaybackVolume(volume); err != nil {
		return err
	}

	a.mu.Lock()
	a.volume = volume
	a.mu.Unlock()
	return nil
}

// State returns a snapshot of the adapter.
func (a *Adapter) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var users []string
	for uid := range a.remote {
		users = append(users, uid)
	}
	sort.Strings(users)
	return State{
		InChannel:   a.inChannel,
		ChannelName: a.channel,
		Muted:       a.muted,
		Volume:      a.volume,
		RemoteUsers: users,
	}
}
