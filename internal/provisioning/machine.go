package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cautelapp/carelink/internal/backend"
	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/events"
	"github.com/cautelapp/carelink/internal/pending"
	"github.com/cautelapp/carelink/internal/profile"
	"github.com/cautelapp/carelink/internal/ringchan"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventSource is the session-wide connection stream. The machine only
// subscribes; it never connects or disconnects the stream.
type EventSource interface {
	Subscribe() *events.Subscription
}

// Backend is the part of the device API used while provisioning
type Backend interface {
	CheckExists(ctx context.Context, id device.PhysicalDeviceID) (backend.ExistsResult, error)
	Bind(ctx context.Context, r backend.BindRequest) (*backend.BoundDevice, error)
}

// Registry receives what the machine learns about bracelets
type Registry interface {
	MarkPresent(p device.Peripheral)
	Remember(peripheral device.PeripheralID, physical device.PhysicalDeviceID)
	SetOnline(id device.PhysicalDeviceID, online bool)
	SetPending(b *pending.Binding)
	UpsertBound(d backend.BoundDevice)
}

// Deps are the collaborators of a Machine. Events and Registry may be nil.
type Deps struct {
	Transport device.Transport
	Events    EventSource
	Backend   Backend
	Capturer  profile.Capturer
	Pending   pending.Store
	Registry  Registry
	Logger    *logrus.Logger
	Clock     func() time.Time
}

// Snapshot describes the current session
type Snapshot struct {
	Session          string
	State            State
	Reason           Reason
	PeripheralID     device.PeripheralID
	PhysicalDeviceID device.PhysicalDeviceID
	SSID             string
	StartedAt        time.Time
	ConfirmedVia     pending.ConfirmedVia
}

// Machine runs provisioning sessions one at a time.
type Machine struct {
	cfg       Config
	transport device.Transport
	events    EventSource
	api       Backend
	capturer  profile.Capturer
	store     pending.Store
	registry  Registry
	logger    *logrus.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    State
	reason   Reason
	session  *session
	watchers map[*ringchan.RingChannel[Transition]]struct{}
	retained *retainedBind
}

type sessionKind int

const (
	kindScan sessionKind = iota
	kindProvision
	kindResume
)

// session holds the resources of one attempt. Resource fields are guarded
// by the machine mutex and released at most once.
type session struct {
	id        string
	kind      sessionKind
	ctx       context.Context
	cancel    context.CancelCauseFunc
	startedAt time.Time
	log       *logrus.Entry

	peripheral   device.PeripheralID
	physical     device.PhysicalDeviceID
	ssid         string
	userID       string
	confirmedVia pending.ConfirmedVia
	scanDone     bool

	credentialsSent bool
	pendingCleared  bool

	linked         bool
	removeObserver func()
	statusSub      device.Subscription
	eventSub       *events.Subscription
	stopRace       context.CancelFunc
}

// retainedBind is what RetryBind needs after a failed bind
type retainedBind struct {
	binding pending.Binding
	userID  string
}

// New creates an idle machine.
func New(cfg Config, deps Deps) (*Machine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil || deps.Backend == nil || deps.Capturer == nil || deps.Pending == nil {
		return nil, errors.New("provisioning requires a transport, backend, capturer and pending store")
	}
	m := &Machine{
		cfg:       cfg,
		transport: deps.Transport,
		events:    deps.Events,
		api:       deps.Backend,
		capturer:  deps.Capturer,
		store:     deps.Pending,
		registry:  deps.Registry,
		logger:    deps.Logger,
		now:       deps.Clock,
		state:     Idle,
		watchers:  make(map[*ringchan.RingChannel[Transition]]struct{}),
	}
	if m.logger == nil {
		m.logger = logrus.New()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.registry == nil {
		m.registry = noopRegistry{}
	}
	return m, nil
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns a snapshot of the current or last session
func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{State: m.state, Reason: m.reason}
	if s := m.session; s != nil {
		snap.Session = s.id
		snap.PeripheralID = s.peripheral
		snap.PhysicalDeviceID = s.physical
		snap.SSID = s.ssid
		snap.StartedAt = s.startedAt
		snap.ConfirmedVia = s.confirmedVia
	}
	return snap
}

// Watch reports every transition from now on. The channel drops the oldest
// transition when the reader falls behind; stop closes it.
func (m *Machine) Watch() (transitions <-chan Transition, stop func()) {
	rc := ringchan.New[Transition](m.cfg.WatchBuffer)
	m.mu.Lock()
	m.watchers[rc] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return rc.C(), func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, rc)
			m.mu.Unlock()
			rc.Close()
		})
	}
}

// begin installs a new session, applying the preemption policy to the current one.
// setup runs under the machine mutex before the session becomes visible.
func (m *Machine) begin(ctx context.Context, kind sessionKind, setup func(*session)) (*session, error) {
	for {
		m.mu.Lock()
		old := m.session
		active := old != nil && !m.state.IsTerminal() && m.state != Idle
		finishedScan := active && m.state == Scanning && old.scanDone
		if !active || finishedScan {
			if old != nil {
				old.cancel(errPreempted)
			}
			s := m.newSessionLocked(ctx, kind)
			if setup != nil {
				setup(s)
			}
			m.mu.Unlock()
			return s, nil
		}
		if m.state.pastCredentials() && m.cfg.Preemption == PreemptReject {
			state := m.state
			m.mu.Unlock()
			m.logger.WithField("state", state).Warn("Rejecting new session while one is in flight")
			return nil, ErrSessionInProgress
		}
		m.mu.Unlock()

		old.log.Info("Preempting provisioning session")
		if err := m.abort(old, errPreempted); err != nil {
			old.log.WithError(err).Warn("Cleanup of preempted session was incomplete")
		}
	}
}

func (m *Machine) newSessionLocked(ctx context.Context, kind sessionKind) *session {
	sctx, cancel := context.WithCancelCause(ctx)
	id := uuid.NewString()
	s := &session{
		id:           id,
		kind:         kind,
		ctx:          sctx,
		cancel:       cancel,
		startedAt:    m.now(),
		confirmedVia: pending.ConfirmedNone,
		log:          m.logger.WithField("session", id),
	}
	m.session = s
	return s
}

// transition moves s to the given state. It is a no-op for a session that is
// no longer current or already terminal, so late events never resurrect one.
func (m *Machine) transition(s *session, to State, reason Reason, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s != m.session {
		return false
	}
	from := m.state
	if !canTransition(from, to) {
		if !from.IsTerminal() {
			s.log.WithFields(logrus.Fields{"from": from, "to": to}).Error("Invalid transition")
		}
		return false
	}

	m.state = to
	if to == Failed || (to == Idle && reason == ReasonReverted) {
		m.reason = reason
	} else {
		m.reason = ""
	}

	t := Transition{Session: s.id, From: from, To: to, Reason: reason, Err: err, At: m.now()}
	for rc := range m.watchers {
		rc.Send(t)
	}

	entry := s.log.WithFields(logrus.Fields{"from": from, "to": to})
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("Provisioning state changed")
	return true
}

// release frees the session resources: status subscription, confirmation
// listeners, event subscription, BLE link and optionally the pending binding
// when s owns it.
// Every step runs even if an earlier one fails.
func (m *Machine) release(s *session, clearPending bool) error {
	m.mu.Lock()
	sub, evSub, stopRace, remove, linked := s.statusSub, s.eventSub, s.stopRace, s.removeObserver, s.linked
	s.statusSub, s.eventSub, s.stopRace, s.removeObserver, s.linked = nil, nil, nil, nil, false
	clearPending = clearPending && !s.pendingCleared
	if clearPending {
		s.pendingCleared = true
	}
	m.mu.Unlock()

	var errs []error
	if remove != nil {
		remove()
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.log.WithError(err).Warn("Failed to unsubscribe status notifications")
			errs = append(errs, fmt.Errorf("unsubscribe status notifications: %w", err))
		}
	}
	if stopRace != nil {
		stopRace()
	}
	if evSub != nil {
		evSub.Close()
	}
	if linked {
		m.transport.Disconnect(s.peripheral)
	}
	if clearPending && m.ownsPending(s) {
		if err := m.store.Clear(context.WithoutCancel(s.ctx)); err != nil {
			s.log.WithError(err).Warn("Failed to clear pending binding")
			errs = append(errs, fmt.Errorf("clear pending binding: %w", err))
		}
		m.registry.SetPending(nil)
	}
	return errors.Join(errs...)
}

// ownsPending reports whether the stored pending binding belongs to s: it was
// confirmed or resumed by s, or it names the bracelet s is talking to.
// Another bracelet's binding survives scans and unrelated failures.
func (m *Machine) ownsPending(s *session) bool {
	m.mu.Lock()
	via, physical := s.confirmedVia, s.physical
	m.mu.Unlock()
	if via != pending.ConfirmedNone {
		return true
	}
	if physical == "" {
		return false
	}
	b, err := m.store.Load(context.WithoutCancel(s.ctx))
	if err != nil {
		s.log.WithError(err).Debug("Could not read pending binding")
		return false
	}
	return b != nil && b.PhysicalDeviceID == physical
}

// abort releases everything, cancels s with cause and marks it Cancelled.
// Resources go first so the caller sees the cleanup errors, not the session goroutine.
func (m *Machine) abort(s *session, cause error) error {
	err := m.release(s, true)
	s.cancel(cause)
	m.transition(s, Cancelled, "", cause)
	return err
}

// fail releases s and marks it Failed. Bind and network failures after
// confirmation keep the pending binding so the attempt can be retried.
func (m *Machine) fail(s *session, reason Reason, err error) *FailedError {
	fe := &FailedError{Reason: reason, Err: err}
	keepPending := s.physical != "" && (reason == ReasonBindRejected || reason == ReasonNetworkUnavailable)

	if cleanupErr := m.release(s, !keepPending); cleanupErr != nil {
		s.log.WithError(cleanupErr).Warn("Cleanup after failure was incomplete")
	}
	if !m.transition(s, Failed, reason, err) {
		return fe
	}
	s.cancel(fe)

	if reason == ReasonConfirmationTimeout && m.cfg.RevertDelay > 0 {
		time.AfterFunc(m.cfg.RevertDelay, func() {
			m.transition(s, Idle, ReasonReverted, nil)
		})
	}
	return fe
}

// interrupted maps a cancelled session context to its outcome.
func (m *Machine) interrupted(s *session) error {
	cause := context.Cause(s.ctx)
	if cause == nil {
		// ended by abort, which cancels right after releasing
		cause = ErrCancelled
	}
	if errors.Is(cause, errConnectionLost) {
		return m.fail(s, ReasonConnectionLost, cause)
	}
	var fe *FailedError
	if errors.As(cause, &fe) {
		return fe
	}

	if err := m.abort(s, cause); err != nil {
		s.log.WithError(err).Warn("Cleanup of cancelled session was incomplete")
	}
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// Cancel ends the current session: it unsubscribes BLE notifications, stops
// the confirmation timer, disconnects the bracelet, clears the pending binding
// and moves to Cancelled. The event stream stays open. Cleanup errors are
// joined; the session is cancelled regardless.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	s := m.session
	active := s != nil && !m.state.IsTerminal() && m.state != Idle
	m.mu.Unlock()
	if !active {
		return nil
	}
	s.log.Info("Cancelling provisioning session")
	return m.abort(s, ErrCancelled)
}

// RetainedProfile returns the profile kept after a failed bind, if any
func (m *Machine) RetainedProfile() *profile.Adult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retained == nil || m.retained.binding.Profile == nil {
		return nil
	}
	cp := *m.retained.binding.Profile
	return &cp
}

type noopRegistry struct{}

func (noopRegistry) MarkPresent(device.Peripheral)                         {}
func (noopRegistry) Remember(device.PeripheralID, device.PhysicalDeviceID) {}
func (noopRegistry) SetOnline(device.PhysicalDeviceID, bool)               {}
func (noopRegistry) SetPending(*pending.Binding)                           {}
func (noopRegistry) UpsertBound(backend.BoundDevice)                       {}
