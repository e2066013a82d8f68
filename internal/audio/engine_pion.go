package audio

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/duetcall/duet/internal/util"
)

// PionOptions configures the pion-backed engine.
type PionOptions struct {
	// SFUURL is the session gateway. Join posts the SDP offer to
	// SFUURL/{channelName} and expects the answer SDP in the response body.
	SFUURL string

	// PreferredMic pins capture to a device id. Empty picks the default.
	PreferredMic string

	// DisableCapture joins receive-only without opening a microphone.
	DisableCapture bool

	// HTTP overrides the client used for the offer/answer exchange.
	HTTP *http.Client
}

// PionEngine implements Engine over pion/webrtc, publishing the local
// microphone as Opus and subscribing to the partner's audio through an SFU.
type PionEngine struct {
	opts PionOptions
	http *http.Client

	mu         sync.Mutex
	handler    EngineHandler
	gen        uint64
	closed     bool
	joined     bool
	joining    bool
	channel    string
	pc         *webrtc.PeerConnection
	sender     *webrtc.RTPSender
	localTrack mediadevices.Track
	closeLocal func()
	volume     int
}

func NewPionEngine(opts PionOptions) *PionEngine {
	hc := opts.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: util.DefaultRequestTimeout}
	}
	return &PionEngine{opts: opts, http: hc, volume: 100}
}

func (e *PionEngine) Bind(h EngineHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// handlerFor returns the bound handler if gen is still the live session.
func (e *PionEngine) handlerFor(gen uint64) (EngineHandler, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return EngineHandler{}, false
	}
	return e.handler, true
}

// Join establishes one channel session: capture mic, negotiate with the SFU,
// then start the inbound drain loops.
func (e *PionEngine) Join(ctx context.Context, info ChannelInfo) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return ErrEngineClosed
	case e.joined || e.joining:
		e.mu.Unlock()
		return fmt.Errorf("audio: join while session active")
	}
	e.joining = true
	// Bump the generation up front so track callbacks that fire during
	// negotiation already belong to this session.
	e.gen++
	gen := e.gen
	e.mu.Unlock()

	pc, err := e.newPeerConnection()
	if err != nil {
		e.abortJoin()
		return err
	}

	var (
		sender     *webrtc.RTPSender
		localTrack mediadevices.Track
		closeLocal func()
	)
	if !e.opts.DisableCapture {
		localTrack, closeLocal, err = e.captureMicrophone(info.ChannelName)
		if err != nil {
			// Capture failure downgrades to receive-only rather than failing
			// the whole call. Mute requests will report ErrNoLocalTrack.
			log.Printf("AUDIO [%s]: mic capture failed, joining receive-only: %v", info.ChannelName, err)
		}
	}
	if localTrack != nil {
		if sender, err = pc.AddTrack(localTrack); err != nil {
			closeLocal()
			pc.Close()
			e.abortJoin()
			return fmt.Errorf("audio: add local track: %w", err)
		}
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			e.abortJoin()
			return fmt.Errorf("audio: add recvonly transceiver: %w", err)
		}
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		uid := remoteUID(remote)
		log.Printf("AUDIO [%s]: remote track %s (%s)", info.ChannelName, uid, remote.Codec().MimeType)
		if h, ok := e.handlerFor(gen); ok && h.OnRemoteJoined != nil {
			h.OnRemoteJoined(uid)
		}
		go e.drainRTP(gen, uid, remote)
		go e.drainRTCP(gen, uid, receiver)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if h, ok := e.handlerFor(gen); ok && h.OnError != nil {
				h.OnError(fmt.Errorf("audio: peer connection %s", st))
			}
		}
	})

	if err := e.negotiate(ctx, pc, info); err != nil {
		if closeLocal != nil {
			closeLocal()
		}
		pc.Close()
		e.abortJoin()
		return err
	}

	e.mu.Lock()
	e.joining = false
	if e.closed {
		e.mu.Unlock()
		if closeLocal != nil {
			closeLocal()
		}
		pc.Close()
		return ErrEngineClosed
	}
	e.joined = true
	e.channel = info.ChannelName
	e.pc = pc
	e.sender = sender
	e.localTrack = localTrack
	e.closeLocal = closeLocal
	h := e.handler
	e.mu.Unlock()

	if h.OnJoined != nil {
		h.OnJoined(info.ChannelName, info.UID)
	}
	return nil
}

func (e *PionEngine) abortJoin() {
	e.mu.Lock()
	e.joining = false
	e.mu.Unlock()
}

// Leave tears down the current session. No-op when not joined.
func (e *PionEngine) Leave() error {
	e.mu.Lock()
	if !e.joined {
		e.mu.Unlock()
		return nil
	}
	e.joined = false
	e.gen++ // orphan the session's goroutines
	pc, closeLocal, channel := e.pc, e.closeLocal, e.channel
	e.pc, e.sender, e.localTrack, e.closeLocal, e.channel = nil, nil, nil, nil, ""
	e.mu.Unlock()

	if closeLocal != nil {
		closeLocal()
	}
	if err := pc.Close(); err != nil {
		return fmt.Errorf("audio: close peer connection for %q: %w", channel, err)
	}
	return nil
}

// SetMicEnabled swaps the local track in and out of the sender. Swapping the
// track (rather than pausing the encoder) stops RTP at the source, so a muted
// mic sends nothing at all.
func (e *PionEngine) SetMicEnabled(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if !e.joined {
		return ErrNotInChannel
	}
	if e.sender == nil || e.localTrack == nil {
		return ErrNoLocalTrack
	}
	if enabled {
		return e.sender.ReplaceTrack(e.localTrack)
	}
	return e.sender.ReplaceTrack(nil)
}

// SetPlaybackVolume stores the remote gain. The engine does not render audio
// itself; whatever playout sink consumes the remote track reads the gain from
// here, so a sink attached mid-session starts at the right level.
func (e *PionEngine) SetPlaybackVolume(volume int) error {
	if volume < 0 || volume > 100 {
		return fmt.Errorf("audio: volume %d out of range 0..100", volume)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.volume = volume
	return nil
}

// PlaybackVolume returns the current remote gain, 0..100.
func (e *PionEngine) PlaybackVolume() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// Close releases the engine.
func (e *PionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.Leave()
}

// ── Session internals ─────────────────────────────────────────────────────────

func (e *PionEngine) newPeerConnection() (*webrtc.PeerConnection, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("audio: opus params: %w", err)
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("audio: register interceptors: %w", err)
	}

	// Generous ICE timeouts: the default 5 s disconnectedTimeout drops calls
	// on brief relay hiccups.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
}

// captureMicrophone opens the local mic as a mono 48 kHz Opus source.
func (e *PionEngine) captureMicrophone(channel string) (mediadevices.Track, func(), error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: codecSelector,
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.ChannelCount = prop.Int(1)
			c.SampleRate = prop.Int(48000)
			if e.opts.PreferredMic != "" {
				c.DeviceID = prop.String(e.opts.PreferredMic)
			}
		},
	})
	if err != nil {
		return nil, nil, err
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, nil, ErrNoLocalTrack
	}
	track := tracks[0]
	track.OnEnded(func(err error) {
		if err != nil && err != io.EOF {
			log.Printf("AUDIO [%s]: local track ended: %v", channel, err)
		}
	})
	closeFn := func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	return track, closeFn, nil
}

// negotiate runs the offer/answer exchange against the SFU gateway.
func (e *PionEngine) negotiate(ctx context.Context, pc *webrtc.PeerConnection, info ChannelInfo) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("audio: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("audio: set local description: %w", err)
	}
	// Non-trickle: wait for candidates so the SFU gets one complete offer.
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	endpoint := strings.TrimRight(e.opts.SFUURL, "/") + "/" + info.ChannelName + "?uid=" + info.UID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(pc.LocalDescription().SDP))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/sdp")
	if info.Token != "" {
		req.Header.Set("Authorization", "Bearer "+info.Token)
	}
	if info.AppID != "" {
		req.Header.Set("X-App-Id", info.AppID)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("audio: sfu join: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("audio: read sfu answer: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("audio: sfu join %q: status %d", info.ChannelName, resp.StatusCode)
	}

	return pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  string(body),
	})
}

// remoteUID derives a stable id for a remote track. The SFU sets the stream
// id to the publisher's uid; fall back to the SSRC when it doesn't.
func remoteUID(t *webrtc.TrackRemote) string {
	if id := t.StreamID(); id != "" {
		return id
	}
	return fmt.Sprintf("ssrc-%d", t.SSRC())
}

// drainRTP consumes inbound audio. The first packet marks the stream as
// flowing; after that packets are dropped on the floor until a playout sink
// exists.
func (e *PionEngine) drainRTP(gen uint64, uid string, remote *webrtc.TrackRemote) {
	var first *rtp.Packet
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if first == nil {
			first = pkt
			log.Printf("AUDIO: remote audio flowing from %s (ssrc=%d pt=%d)", uid, pkt.SSRC, pkt.PayloadType)
			if h, ok := e.handlerFor(gen); ok && h.OnRemoteAudio != nil {
				h.OnRemoteAudio(uid)
			}
		}
	}
}

// drainRTCP watches the receiver's RTCP stream. A Goodbye from the remote
// SSRC means the partner left the channel.
func (e *PionEngine) drainRTCP(gen uint64, uid string, receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		n, _, err := receiver.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			if _, ok := p.(*rtcp.Goodbye); ok {
				log.Printf("AUDIO: remote %s sent RTCP BYE", uid)
				if h, hok := e.handlerFor(gen); hok && h.OnRemoteLeft != nil {
					h.OnRemoteLeft(uid)
				}
				return
			}
		}
	}
}
