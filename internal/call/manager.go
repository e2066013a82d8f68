package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/duetcall/duet/internal/api"
	"github.com/duetcall/duet/internal/audio"
	"github.com/duetcall/duet/internal/notify"
	"github.com/duetcall/duet/internal/recovery"
	"github.com/duetcall/duet/internal/util"
)

// seenCallCap bounds the ring of already-processed call ids.
const seenCallCap = 32

// Phase is the call lifecycle state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseActive     Phase = "active"
)

// Session describes the current call. Zero value means no call.
type Session struct {
	CallID          string
	PartnerID       string
	PartnerNickname string
	ChannelName     string
	RTCToken        string
	AgoraUID        string
	Phase           Phase
	StartedAt       time.Time
}

// Partner is the counterpart of the most recent call, kept after teardown so
// the evaluation and friend-request flows still know who it was.
type Partner struct {
	CallID   string
	ID       string
	Nickname string
}

// ErrNoRecentPartner is returned by post-call operations when no partner is
// on record.
var ErrNoRecentPartner = errors.New("call: no recent partner")

// Manager owns the call session. A call can be torn down by three racing
// paths — the local user ending it, the partner's call-end notification, and
// the audio engine reporting the remote side gone — and whichever flips the
// in-call flag first performs the teardown; the losers see the flag down and
// return. Teardown itself is resilient: every step runs even when an earlier
// one fails, because a half-torn-down call is worse than a logged error.
type Manager struct {
	api    *api.Client
	notify *notify.Client
	audio  *audio.Adapter
	store  *recovery.Store

	mu          sync.Mutex
	inCall      bool
	session     Session
	lastPartner *Partner
	onChange    func(Session)
	seen        *util.RingBuffer[string]

	now func() time.Time // test hook
}

// NewManager wires the call session manager.
func NewManager(apiClient *api.Client, notifyClient *notify.Client, adapter *audio.Adapter, store *recovery.Store) *Manager {
	return &Manager{
		api:     apiClient,
		notify:  notifyClient,
		audio:   adapter,
		store:   store,
		session: Session{Phase: PhaseIdle},
		seen:    util.NewRingBuffer[string](seenCallCap),
		now:     time.Now,
	}
}

// SetOnChange installs the session observer. Single slot; called outside the
// manager lock.
func (m *Manager) SetOnChange(fn func(Session)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// State returns a snapshot of the current session.
func (m *Manager) State() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// InCall reports whether a session is live.
func (m *Manager) InCall() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inCall
}

// LastPartner returns the counterpart of the most recent call, or nil.
func (m *Manager) LastPartner() *Partner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPartner
}

// HandleCallStart begins a session from a call-start notification. The
// broker may redeliver, even after the call ended: a callId that was already
// accepted is dropped before any state is touched, and a notification for a
// different call while one is live is dropped too — one session at a time.
func (m *Manager) HandleCallStart(ctx context.Context, n notify.CallStartNotification) error {
	m.mu.Lock()
	if m.seenCallLocked(n.CallID) {
		m.mu.Unlock()
		log.Printf("CALL [%s]: duplicate call-start, ignoring", n.CallID)
		return nil
	}
	if m.inCall {
		cur := m.session.CallID
		m.mu.Unlock()
		log.Printf("CALL [%s]: call-start while %s is live, dropping", n.CallID, cur)
		return nil
	}
	m.inCall = true
	m.seen.Push(n.CallID)
	m.session = Session{
		CallID:          n.CallID,
		PartnerID:       n.PartnerID,
		PartnerNickname: n.PartnerNickname,
		ChannelName:     n.ChannelName,
		RTCToken:        n.RTCToken,
		AgoraUID:        n.AgoraUID,
		Phase:           PhaseConnecting,
		StartedAt:       m.now(),
	}
	sess := m.session
	m.mu.Unlock()

	log.Printf("CALL [%s]: starting with %s (%s), channel %s", n.CallID, n.PartnerNickname, n.PartnerID, n.ChannelName)
	m.emit(sess)

	if err := m.joinAudio(ctx, sess); err != nil {
		// Joining failed; end the call properly so the partner isn't left
		// waiting in a channel we never reached.
		log.Printf("CALL [%s]: audio join failed: %v", n.CallID, err)
		m.EndCall(ctx)
		return fmt.Errorf("call: join audio channel: %w", err)
	}

	m.mu.Lock()
	if !m.inCall || m.session.CallID != n.CallID {
		// A teardown path won the race while we were joining.
		m.mu.Unlock()
		return nil
	}
	m.session.Phase = PhaseActive
	sess = m.session
	m.mu.Unlock()

	// The snapshot is only worth restoring once the channel join succeeded.
	m.saveSnapshot(sess)
	log.Printf("CALL [%s]: active", n.CallID)
	m.emit(sess)
	return nil
}

// seenCallLocked reports whether callID was already accepted. Caller holds mu.
func (m *Manager) seenCallLocked(callID string) bool {
	for _, id := range m.seen.Snapshot() {
		if id == callID {
			return true
		}
	}
	return false
}

// joinAudio installs the per-session callback slot and joins the channel.
func (m *Manager) joinAudio(ctx context.Context, sess Session) error {
	m.audio.SetCallbacks(audio.Callbacks{
		OnJoinSuccess: func(channel, uid string) {
			log.Printf("CALL [%s]: audio up (channel=%s uid=%s)", sess.CallID, channel, uid)
		},
		OnUserJoined: func(uid string) {
			log.Printf("CALL [%s]: remote user %s joined", sess.CallID, uid)
		},
		OnAudioSubscribed: func(uid string) {
			log.Printf("CALL [%s]: remote audio from %s", sess.CallID, uid)
		},
		OnUserLeft: func(uid string) {
			m.HandleRemoteUserLeft(uid)
		},
		OnError: func(err error) {
			log.Printf("CALL [%s]: audio error: %v", sess.CallID, err)
		},
	})
	return m.audio.JoinChannel(ctx, audio.ChannelInfo{
		ChannelName: sess.ChannelName,
		Token:       sess.RTCToken,
		UID:         sess.AgoraUID,
	})
}

// EndCall is the local teardown path. Safe to call at any time; when another
// path already flipped the session down this is a no-op.
func (m *Manager) EndCall(ctx context.Context) error {
	sess, won := m.takeSession()
	if !won {
		return nil
	}
	log.Printf("CALL [%s]: ending (local)", sess.CallID)

	// Step 1: stop media.
	if err := m.audio.LeaveChannel(); err != nil {
		log.Printf("CALL [%s]: leave audio: %v", sess.CallID, err)
	}

	// Step 2: tell the partner directly over the realtime channel. Best
	// effort; the REST end below reaches them through the server anyway.
	if err := m.notify.SendCallEnd(sess.CallID, sess.PartnerID); err != nil {
		log.Printf("CALL [%s]: send call-end: %v", sess.CallID, err)
	}

	// Step 3: release the channel server-side.
	if err := m.api.LeaveChannel(ctx, sess.CallID); err != nil && !api.IsConflict(err) {
		log.Printf("CALL [%s]: leave channel on server: %v", sess.CallID, err)
	}

	// Step 4: mark the call ended. A conflict means the partner beat us to
	// it, which is the outcome we wanted anyway.
	if err := m.api.EndCall(ctx, sess.CallID); err != nil && !api.IsConflict(err) {
		log.Printf("CALL [%s]: end on server: %v", sess.CallID, err)
	}

	// Step 5: drop the recovery snapshot so a restart doesn't resurrect it.
	if err := m.store.ClearCall(); err != nil {
		log.Printf("CALL [%s]: clear snapshot: %v", sess.CallID, err)
	}

	m.emit(Session{Phase: PhaseIdle})
	return nil
}

// HandleCallEnd is the remote teardown path: the partner ended the call. The
// notification must name the live call; anything else is a replay.
func (m *Manager) HandleCallEnd(n notify.CallEndNotification) {
	sess, won := m.takeSessionIf(n.CallID)
	if !won {
		return
	}
	log.Printf("CALL [%s]: partner ended", sess.CallID)

	if err := m.audio.LeaveChannel(); err != nil {
		log.Printf("CALL [%s]: leave audio: %v", sess.CallID, err)
	}
	// The partner's end already settled the call server-side; only the local
	// channel presence needs releasing.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.api.LeaveChannel(ctx, sess.CallID); err != nil && !api.IsConflict(err) {
		log.Printf("CALL [%s]: leave channel on server: %v", sess.CallID, err)
	}
	if err := m.store.ClearCall(); err != nil {
		log.Printf("CALL [%s]: clear snapshot: %v", sess.CallID, err)
	}

	m.emit(Session{Phase: PhaseIdle})
}

// HandleRemoteUserLeft is the engine teardown path: the remote side vanished
// from the audio channel without a call-end. Events naming our own channel
// uid are ignored.
func (m *Manager) HandleRemoteUserLeft(uid string) {
	m.mu.Lock()
	if !m.inCall || uid == m.session.AgoraUID {
		m.mu.Unlock()
		return
	}
	sess := m.claimLocked()
	m.mu.Unlock()
	log.Printf("CALL [%s]: remote user %s left channel, ending", sess.CallID, uid)

	// The partner may have crashed before notifying; tell their client the
	// call is over in case it comes back. Best effort.
	if err := m.notify.SendCallEnd(sess.CallID, sess.PartnerID); err != nil {
		log.Printf("CALL [%s]: send call-end: %v", sess.CallID, err)
	}
	if err := m.audio.LeaveChannel(); err != nil {
		log.Printf("CALL [%s]: leave audio: %v", sess.CallID, err)
	}
	if err := m.store.ClearCall(); err != nil {
		log.Printf("CALL [%s]: clear snapshot: %v", sess.CallID, err)
	}

	m.emit(Session{Phase: PhaseIdle})
}

// takeSession atomically claims the teardown: it flips the in-call flag and
// empties the session, recording the partner for the post-call flows. The
// second return is false when another path got there first.
func (m *Manager) takeSession() (Session, bool) {
	return m.takeSessionIf("")
}

// takeSessionIf claims the teardown only when the live call matches callID;
// empty callID matches any live call.
func (m *Manager) takeSessionIf(callID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inCall {
		return Session{}, false
	}
	if callID != "" && m.session.CallID != callID {
		return Session{}, false
	}
	return m.claimLocked(), true
}

// claimLocked flips the in-call flag, empties the session and records the
// partner for the post-call flows. Caller holds m.mu with m.inCall true.
func (m *Manager) claimLocked() Session {
	m.inCall = false
	sess := m.session
	m.session = Session{Phase: PhaseIdle}
	m.lastPartner = &Partner{CallID: sess.CallID, ID: sess.PartnerID, Nickname: sess.PartnerNickname}
	return sess
}

// Restore revives a persisted session after a restart: same join path as a
// fresh call-start, but the identity comes from the snapshot.
func (m *Manager) Restore(ctx context.Context, snap *recovery.CallSnapshot) error {
	if snap == nil {
		return nil
	}

	m.mu.Lock()
	if m.inCall {
		m.mu.Unlock()
		return fmt.Errorf("call: restore with session already live")
	}
	m.inCall = true
	m.seen.Push(snap.CallID)
	m.session = Session{
		CallID:          snap.CallID,
		PartnerID:       snap.PartnerID,
		PartnerNickname: snap.PartnerNickname,
		ChannelName:     snap.ChannelName,
		RTCToken:        snap.RTCToken,
		AgoraUID:        snap.AgoraUID,
		Phase:           PhaseConnecting,
		StartedAt:       m.now(),
	}
	sess := m.session
	m.mu.Unlock()

	log.Printf("CALL [%s]: restoring session with %s", snap.CallID, snap.PartnerID)
	m.emit(sess)

	if err := m.joinAudio(ctx, sess); err != nil {
		log.Printf("CALL [%s]: restore join failed: %v", snap.CallID, err)
		m.EndCall(ctx)
		return fmt.Errorf("call: restore audio channel: %w", err)
	}

	if snap.Muted {
		if err := m.audio.SetMuted(true); err != nil {
			log.Printf("CALL [%s]: restore mute: %v", snap.CallID, err)
		}
	}

	m.mu.Lock()
	if !m.inCall || m.session.CallID != snap.CallID {
		m.mu.Unlock()
		return nil
	}
	m.session.Phase = PhaseActive
	sess = m.session
	m.mu.Unlock()

	m.saveSnapshot(sess)
	log.Printf("CALL [%s]: restored", snap.CallID)
	m.emit(sess)
	return nil
}

// ToggleMute flips the microphone and persists the new state so a restart
// comes back muted if the user muted.
func (m *Manager) ToggleMute() (bool, error) {
	muted, err := m.audio.ToggleMute()
	if err != nil {
		return muted, err
	}
	m.mu.Lock()
	live := m.inCall
	sess := m.session
	m.mu.Unlock()
	if live {
		m.saveSnapshot(sess)
	}
	return muted, nil
}

// SetVolume adjusts remote playback volume, 0..100.
func (m *Manager) SetVolume(volume int) error {
	return m.audio.SetVolume(volume)
}

// SubmitEvaluation rates the most recent call. An "already evaluated"
// conflict counts as done.
func (m *Manager) SubmitEvaluation(ctx context.Context, rating int, comment string) error {
	m.mu.Lock()
	p := m.lastPartner
	m.mu.Unlock()
	if p == nil {
		return ErrNoRecentPartner
	}

	err := m.api.SubmitEvaluation(ctx, api.Evaluation{
		CallID:    p.CallID,
		PartnerID: p.ID,
		Rating:    rating,
		Comment:   comment,
	})
	if err != nil && !api.IsConflict(err) {
		return fmt.Errorf("call: submit evaluation: %w", err)
	}
	// The evaluation closes the post-call window.
	m.ClearPartner()
	return nil
}

// RequestFriend sends a friend request to the most recent partner.
func (m *Manager) RequestFriend(ctx context.Context) (*api.FriendRequestResult, error) {
	m.mu.Lock()
	p := m.lastPartner
	m.mu.Unlock()
	if p == nil {
		return nil, ErrNoRecentPartner
	}
	return m.api.RequestFriend(ctx, p.ID)
}

// ClearPartner forgets the most recent partner, ending the post-call window,
// and drops any snapshot still on disk.
func (m *Manager) ClearPartner() {
	m.mu.Lock()
	m.lastPartner = nil
	m.mu.Unlock()
	if err := m.store.ClearCall(); err != nil {
		log.Printf("CALL: clear snapshot: %v", err)
	}
}

func (m *Manager) saveSnapshot(sess Session) {
	err := m.store.SaveCall(recovery.CallSnapshot{
		CallID:          sess.CallID,
		PartnerID:       sess.PartnerID,
		PartnerNickname: sess.PartnerNickname,
		ChannelName:     sess.ChannelName,
		RTCToken:        sess.RTCToken,
		AgoraUID:        sess.AgoraUID,
		Muted:           m.audio.State().Muted,
	})
	if err != nil {
		log.Printf("CALL [%s]: save snapshot: %v", sess.CallID, err)
	}
}

// emit invokes the observer outside the lock.
func (m *Manager) emit(sess Session) {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(sess)
	}
}
