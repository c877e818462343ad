// Package session is the application-state controller. One goroutine owns the
// message store, unread counters, and published state; engine I/O runs on
// worker goroutines whose results are merged back on the owner.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rebelio/engine"
	"rebelio/history"
	"rebelio/models"
	"rebelio/timeline"
)

const (
	// DefaultPollInterval is the sync cadence while polling.
	DefaultPollInterval = 2 * time.Second
	// DefaultNicknamePrefixLength bounds synthesized contact nicknames.
	DefaultNicknamePrefixLength = 8
	// DefaultNotificationBuffer is the notification channel capacity. Events
	// beyond it wait in an unbounded queue.
	DefaultNotificationBuffer = 64
	// DefaultCallTimeout bounds each background engine call.
	DefaultCallTimeout = 30 * time.Second
	// DefaultSendSettleDelay gives the engine time to persist a sent message
	// before history is re-read for its ID.
	DefaultSendSettleDelay = 100 * time.Millisecond

	unknownContactName = "Unknown"
	opQueueSize        = 64
)

var (
	// ErrClosed is returned by actions on a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrNotRegistered is returned when an action needs a registered account.
	ErrNotRegistered = errors.New("session: not registered")
)

// IdentityChangeAlert asks the user whether to trust a contact's new identity.
type IdentityChangeAlert struct {
	ContactID   string
	ContactName string
}

// AppState is the read-only snapshot published to the presentation layer.
type AppState struct {
	Registered bool
	Username   string
	ServerURL  string
	SelfToken  string

	Contacts     []models.Contact
	Groups       []models.Group
	Devices      []models.Device
	Messages     []models.Message
	UnreadCounts map[string]int

	IdentityChangeAlert *IdentityChangeAlert

	Error   string
	Loading bool
	Polling bool
}

func (s AppState) clone() AppState {
	out := s
	out.Contacts = append([]models.Contact(nil), s.Contacts...)
	out.Groups = make([]models.Group, 0, len(s.Groups))
	for _, group := range s.Groups {
		out.Groups = append(out.Groups, group.Clone())
	}
	out.Devices = append([]models.Device(nil), s.Devices...)
	out.Messages = append([]models.Message(nil), s.Messages...)
	out.UnreadCounts = make(map[string]int, len(s.UnreadCounts))
	for token, count := range s.UnreadCounts {
		out.UnreadCounts[token] = count
	}
	if s.IdentityChangeAlert != nil {
		alert := *s.IdentityChangeAlert
		out.IdentityChangeAlert = &alert
	}
	return out
}

// Options configures a Session.
type Options struct {
	Engine engine.Engine
	// History defaults to Engine.
	History history.Source
	Logger  zerolog.Logger

	PollInterval         time.Duration
	NicknamePrefixLength int
	NotificationBuffer   int
	CallTimeout          time.Duration
	SendSettleDelay      time.Duration
	MonotonicStatus      bool

	// HistoryFiles are removed on clear-history and logout; IdentityFiles on
	// logout only. Removal is best effort.
	HistoryFiles  []string
	IdentityFiles []string

	Now func() time.Time
}

// Session is the single-writer owner of the client's message state.
type Session struct {
	options Options
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ops       chan func()
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	// Owned by the actor goroutine.
	state         AppState
	store         *timeline.Store
	tracker       *timeline.Tracker
	unread        map[string]int
	viewing       string
	historyLoaded bool
	epoch         uint64
	sched         scheduler

	pubMu         sync.RWMutex
	published     AppState
	changes       chan AppState
	notifications chan models.Message

	// notifyPending counts queued notifications plus those the forwarder is
	// still sending; direct delivery is allowed only at zero.
	notifyMu      sync.Mutex
	notifyQueue   []models.Message
	notifyPending int
	notifyWake    chan struct{}
}

// New validates options and starts the owning goroutine.
func New(options Options) (*Session, error) {
	if options.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if options.History == nil {
		options.History = options.Engine
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	if options.NicknamePrefixLength <= 0 {
		options.NicknamePrefixLength = DefaultNicknamePrefixLength
	}
	if options.NotificationBuffer <= 0 {
		options.NotificationBuffer = DefaultNotificationBuffer
	}
	if options.CallTimeout <= 0 {
		options.CallTimeout = DefaultCallTimeout
	}
	if options.SendSettleDelay == 0 {
		options.SendSettleDelay = DefaultSendSettleDelay
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	logger := options.Logger.With().Str("component", "session").Logger()
	store := timeline.NewStore()

	s := &Session{
		options:       options,
		log:           logger,
		ops:           make(chan func(), opQueueSize),
		done:          make(chan struct{}),
		store:         store,
		tracker:       timeline.NewTracker(store, options.MonotonicStatus, options.Logger),
		unread:        make(map[string]int),
		changes:       make(chan AppState, 1),
		notifications: make(chan models.Message, options.NotificationBuffer),
		notifyWake:    make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.state.UnreadCounts = map[string]int{}
	s.published = s.state.clone()

	s.wg.Add(2)
	go s.loop()
	go s.forwardNotifications()
	return s, nil
}

// State returns the latest published snapshot.
func (s *Session) State() AppState {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	return s.published.clone()
}

// Changes delivers published snapshots. Only the newest pending snapshot is kept.
func (s *Session) Changes() <-chan AppState {
	return s.changes
}

// Notifications delivers incoming messages that should raise a user-visible
// alert. Every event is delivered in order; none is dropped while the session
// is open.
func (s *Session) Notifications() <-chan models.Message {
	return s.notifications
}

// Close stops polling, waits for in-flight work, and closes both streams.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.do(func() { s.stopPollingLocked() })
		s.cancel()
		close(s.done)
		s.wg.Wait()
		close(s.changes)
		close(s.notifications)
	})
}

func (s *Session) loop() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.ops:
			fn()
		case <-s.done:
			return
		}
	}
}

// forwardNotifications drains the overflow queue onto the channel, blocking on
// a slow consumer without holding up the owner.
func (s *Session) forwardNotifications() {
	defer s.wg.Done()
	for {
		s.notifyMu.Lock()
		batch := s.notifyQueue
		s.notifyQueue = nil
		s.notifyMu.Unlock()

		for _, message := range batch {
			select {
			case s.notifications <- message:
			case <-s.done:
				return
			}
			s.notifyMu.Lock()
			s.notifyPending--
			s.notifyMu.Unlock()
		}

		select {
		case <-s.notifyWake:
		case <-s.done:
			return
		}
	}
}

// do runs fn on the owning goroutine and waits for it.
func (s *Session) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// post queues fn on the owning goroutine without waiting.
func (s *Session) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.done:
	}
}

// goIO runs an engine call off the owning goroutine.
func (s *Session) goIO(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.options.CallTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// publish copies the working state into the published snapshot.
func (s *Session) publish() {
	s.state.UnreadCounts = make(map[string]int, len(s.unread))
	for token, count := range s.unread {
		s.state.UnreadCounts[token] = count
	}
	s.state.Polling = s.sched.polling
	snapshot := s.state.clone()

	s.pubMu.Lock()
	s.published = snapshot
	s.pubMu.Unlock()

	select {
	case <-s.changes:
	default:
	}
	select {
	case s.changes <- snapshot.clone():
	default:
	}
}

func (s *Session) refreshMessages() {
	s.state.Messages = s.store.Snapshot()
}

func (s *Session) contactName(token string) string {
	for _, contact := range s.state.Contacts {
		if contact.RoutingToken == token {
			return contact.Nickname
		}
	}
	for _, group := range s.state.Groups {
		if group.ID == token {
			return group.Name
		}
	}
	return unknownContactName
}
