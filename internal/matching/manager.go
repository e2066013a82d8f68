package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/duetcall/duet/internal/api"
	"github.com/duetcall/duet/internal/notify"
	"github.com/duetcall/duet/internal/recovery"
	"github.com/duetcall/duet/internal/util"
)

// Status is the match attempt lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusWaiting   Status = "waiting"
	StatusMatched   Status = "matched"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// terminal reports whether s is an end state of a match attempt.
func (s Status) terminal() bool {
	return s == StatusMatched || s == StatusCancelled || s == StatusTimeout
}

// State is a snapshot of the current match attempt. QueuePosition and
// EstimatedWaitSec are whatever the server reported when the queue was
// joined; both are zero for a restored attempt.
type State struct {
	Status           Status
	MatchingID       string
	CategoryID       int
	QueuePosition    int
	EstimatedWaitSec int
	StartedAt        time.Time
	Partner          *notify.MatchedUser
}

// ErrAlreadyMatching is returned by Start while an attempt is in flight.
var ErrAlreadyMatching = errors.New("matching: attempt already in progress")

// Manager owns the match attempt state machine: idle → waiting → one of
// matched / cancelled / timeout, then back to idle via Reset. The waiting
// state carries a client-side deadline; when it fires the attempt is
// cancelled server-side through the same path a user cancel takes, so the
// server's queue entry never outlives the client's interest.
type Manager struct {
	api     *api.Client
	store   *recovery.Store
	timeout time.Duration

	mu            sync.Mutex
	state         State
	timer         *time.Timer
	gen           uint64 // invalidates timers from finished attempts
	onChange      func(State)
	ensureChannel func(context.Context) error
	categories    []api.Category

	now func() time.Time // test hook
}

// NewManager wires the match state machine. timeout is the client-side
// waiting deadline.
func NewManager(apiClient *api.Client, store *recovery.Store, timeout time.Duration) *Manager {
	return &Manager{
		api:     apiClient,
		store:   store,
		timeout: timeout,
		state:   State{Status: StatusIdle},
		now:     time.Now,
	}
}

// SetOnChange installs the state observer. Single slot: installing replaces
// the previous observer. Called outside the manager lock.
func (m *Manager) SetOnChange(fn func(State)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// SetChannelEnsurer installs a hook Start runs before joining the queue, so
// the realtime channel carrying the matched notification is up before the
// server can send one. The hook must be idempotent.
func (m *Manager) SetChannelEnsurer(fn func(context.Context) error) {
	m.mu.Lock()
	m.ensureChannel = fn
	m.mu.Unlock()
}

// State returns a snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start enters the matching queue for categoryID. Fails when an attempt is
// already waiting; terminal states are implicitly reset.
func (m *Manager) Start(ctx context.Context, categoryID int) error {
	m.mu.Lock()
	if m.state.Status == StatusWaiting {
		m.mu.Unlock()
		return ErrAlreadyMatching
	}
	// Claim the waiting slot before the network call so a concurrent Start
	// can't double-join the queue.
	m.state = State{Status: StatusWaiting, CategoryID: categoryID, StartedAt: m.now()}
	ensure := m.ensureChannel
	m.mu.Unlock()

	if ensure != nil {
		if err := ensure(ctx); err != nil {
			m.mu.Lock()
			m.state = State{Status: StatusIdle}
			m.mu.Unlock()
			return fmt.Errorf("matching: realtime channel: %w", err)
		}
	}

	st, err := m.api.JoinMatching(ctx, api.MatchRequest{CategoryID: categoryID})
	if err != nil {
		m.mu.Lock()
		m.state = State{Status: StatusIdle}
		m.mu.Unlock()
		return fmt.Errorf("matching: join queue: %w", err)
	}

	m.mu.Lock()
	m.state.MatchingID = st.MatchingID
	m.state.QueuePosition = st.QueuePosition
	m.state.EstimatedWaitSec = st.EstimatedWaitSec
	m.armTimerLocked(m.timeout)
	snap := recovery.MatchingSnapshot{
		MatchingID: st.MatchingID,
		CategoryID: categoryID,
		StartedAt:  m.state.StartedAt.UnixMilli(),
	}
	state := m.state
	m.mu.Unlock()

	if err := m.store.SaveMatching(snap); err != nil {
		log.Printf("MATCH: save snapshot: %v", err)
	}
	log.Printf("MATCH: waiting (matchingId=%s category=%d)", st.MatchingID, categoryID)
	m.emit(state)
	return nil
}

// Cancel withdraws the current attempt. No-op when nothing is waiting.
func (m *Manager) Cancel(ctx context.Context) error {
	return m.cancel(ctx, StatusCancelled)
}

// cancel is the shared teardown for user cancel and deadline expiry; only the
// terminal status differs. A user cancel that loses the race with a matched
// notification still wins — the user asked out, so the match is withdrawn.
// The deadline path never overrides a match.
func (m *Manager) cancel(ctx context.Context, final Status) error {
	m.mu.Lock()
	st := m.state.Status
	if st != StatusWaiting && !(st == StatusMatched && final == StatusCancelled) {
		m.mu.Unlock()
		return nil
	}
	m.finishLocked(final, nil)
	state := m.state
	m.mu.Unlock()

	m.clearSnapshot()
	m.emit(state)

	// Local state already settled; the server call is best-effort. A
	// not-found means the server's queue entry is already gone.
	if err := m.api.CancelMatching(ctx); err != nil {
		var ae *api.APIError
		if errors.As(err, &ae) && (ae.Status == 404 || ae.Code == api.CodeNotFound) {
			return nil
		}
		return fmt.Errorf("matching: cancel on server: %w", err)
	}
	log.Printf("MATCH: %s (matchingId=%s)", final, state.MatchingID)
	return nil
}

// HandleNotification applies a broker matching event. Events for a finished
// or unknown attempt are ignored, which makes redelivery harmless.
func (m *Manager) HandleNotification(n notify.MatchingNotification) {
	m.mu.Lock()
	if m.state.Status != StatusWaiting {
		m.mu.Unlock()
		return
	}
	if n.MatchingID != "" && m.state.MatchingID != "" && n.MatchingID != m.state.MatchingID {
		log.Printf("MATCH: ignoring notification for stale matchingId=%s", n.MatchingID)
		m.mu.Unlock()
		return
	}

	switch n.Type {
	case notify.MatchingMatched:
		m.finishLocked(StatusMatched, n.MatchedUser)
	case notify.MatchingCancelled:
		m.finishLocked(StatusCancelled, nil)
	case notify.MatchingTimeout:
		m.finishLocked(StatusTimeout, nil)
	default:
		log.Printf("MATCH: unknown notification type %q", n.Type)
		m.mu.Unlock()
		return
	}
	state := m.state
	m.mu.Unlock()

	m.clearSnapshot()
	log.Printf("MATCH: %s (matchingId=%s)", state.Status, state.MatchingID)
	m.emit(state)
}

// Reset returns the machine to idle. Safe from any state; a waiting attempt
// is abandoned locally (use Cancel to withdraw it server-side first).
func (m *Manager) Reset() {
	m.mu.Lock()
	m.stopTimerLocked()
	m.state = State{Status: StatusIdle}
	state := m.state
	m.mu.Unlock()

	m.clearSnapshot()
	m.emit(state)
}

// Restore resumes a persisted attempt after a restart. The server-side queue
// entry is still live inside the grace window, so the client re-arms the
// remaining deadline instead of re-joining. An attempt whose deadline has
// already passed is cancelled immediately.
func (m *Manager) Restore(ctx context.Context, snap *recovery.MatchingSnapshot) error {
	if snap == nil {
		return nil
	}

	started := time.UnixMilli(snap.StartedAt)
	remaining := m.timeout - m.now().Sub(started)

	m.mu.Lock()
	if m.state.Status == StatusWaiting {
		m.mu.Unlock()
		return fmt.Errorf("matching: restore with attempt already waiting")
	}
	m.state = State{
		Status:     StatusWaiting,
		MatchingID: snap.MatchingID,
		CategoryID: snap.CategoryID,
		StartedAt:  started,
	}
	m.mu.Unlock()

	if remaining <= 0 {
		log.Printf("MATCH: restored attempt %s already past deadline, cancelling", snap.MatchingID)
		return m.cancel(ctx, StatusTimeout)
	}

	m.mu.Lock()
	m.armTimerLocked(remaining)
	state := m.state
	m.mu.Unlock()

	log.Printf("MATCH: restored waiting attempt %s (%s remaining)", snap.MatchingID, remaining.Round(time.Second))
	m.emit(state)
	return nil
}

// LoadCategories fetches the interest categories for the match form. The
// list is static per session, so a successful fetch is cached.
func (m *Manager) LoadCategories(ctx context.Context) ([]api.Category, error) {
	m.mu.Lock()
	cached := m.categories
	m.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	cats, err := m.api.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.categories = cats
	m.mu.Unlock()
	return cats, nil
}

// Close stops the deadline timer. It does not cancel a waiting attempt.
func (m *Manager) Close() {
	m.mu.Lock()
	m.stopTimerLocked()
	m.mu.Unlock()
}

// ── internals ─────────────────────────────────────────────────────────────────

// finishLocked moves a waiting attempt to its terminal state. Caller holds mu.
func (m *Manager) finishLocked(final Status, partner *notify.MatchedUser) {
	m.stopTimerLocked()
	m.state.Status = final
	m.state.Partner = partner
}

// armTimerLocked schedules the waiting deadline. Caller holds mu.
func (m *Manager) armTimerLocked(d time.Duration) {
	m.stopTimerLocked()
	gen := m.gen
	m.timer = time.AfterFunc(d, func() { m.deadlineExpired(gen) })
}

// stopTimerLocked cancels any pending deadline and invalidates in-flight
// timer callbacks. Caller holds mu.
func (m *Manager) stopTimerLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// deadlineExpired is the timer callback: it runs the user-cancel path with a
// timeout outcome, so the server sees exactly one withdrawal mechanism.
func (m *Manager) deadlineExpired(gen uint64) {
	m.mu.Lock()
	stale := gen != m.gen
	m.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
	defer cancel()
	if err := m.cancel(ctx, StatusTimeout); err != nil {
		log.Printf("MATCH: deadline cancel: %v", err)
	}
}

func (m *Manager) clearSnapshot() {
	if err := m.store.ClearMatching(); err != nil {
		log.Printf("MATCH: clear snapshot: %v", err)
	}
}

// emit invokes the observer outside the lock.
func (m *Manager) emit(state State) {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}
