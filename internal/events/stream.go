package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cautelapp/carelink/internal/groutine"
	"github.com/cautelapp/carelink/internal/ringchan"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	ConnectionPath    = "/device/events/connection"
	NotificationsPath = "/device/events/notifications"

	DefaultReconnectDelay       = 5 * time.Second
	DefaultMaxReconnectAttempts = 12
	DefaultSubscriberBuffer     = 32
)

var (
	// ErrStreamExhausted is reported once reconnect attempts run out
	ErrStreamExhausted = errors.New("event stream reconnect attempts exhausted")

	ErrNoToken = errors.New("event stream requires a bearer token")
)

// TokenSource yields the bearer token sent as the token query parameter
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config configures a Stream.
type Config struct {
	BaseURL string
	Path    string

	// ReconnectDelay is the fixed wait before reopening a failed stream
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds consecutive failed reconnects; 0 retries forever.
	// A stream that opens resets the count.
	MaxReconnectAttempts int

	SubscriberBuffer int

	// HTTPClient must not set a Timeout; the response body is long lived
	HTTPClient *http.Client
}

// DefaultConfig returns the connection stream configuration for baseURL
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:              baseURL,
		Path:                 ConnectionPath,
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		SubscriberBuffer:     DefaultSubscriberBuffer,
	}
}

// Decoder turns one frame payload into an Event
type Decoder func(data []byte, now time.Time) (Event, error)

// Stream is the single push channel of a caregiver session. One HTTP stream
// is shared by every subscriber. It is created at login and must be
// Disconnected at logout.
type Stream struct {
	cfg    Config
	tokens TokenSource
	decode Decoder
	client *http.Client
	logger *logrus.Logger

	mu        sync.Mutex
	connected bool // Connect called and not yet given up or disconnected
	open      bool // HTTP stream currently established
	opened    chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	subs      map[*Subscription]struct{}
	err       error
}

// NewStream creates the device connection stream.
func NewStream(cfg Config, tokens TokenSource, logger *logrus.Logger) *Stream {
	if cfg.Path == "" {
		cfg.Path = ConnectionPath
	}
	return newStream(cfg, tokens, DecodeConnection, logger)
}

// NewNotificationStream creates the caregiver notification stream.
func NewNotificationStream(cfg Config, tokens TokenSource, logger *logrus.Logger) *Stream {
	if cfg.Path == "" || cfg.Path == ConnectionPath {
		cfg.Path = NotificationsPath
	}
	return newStream(cfg, tokens, DecodeNotification, logger)
}

func newStream(cfg Config, tokens TokenSource, decode Decoder, logger *logrus.Logger) *Stream {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Stream{
		cfg:    cfg,
		tokens: tokens,
		decode: decode,
		client: client,
		logger: logger,
		opened: make(chan struct{}),
		subs:   make(map[*Subscription]struct{}),
	}
}

// Connect starts the stream in the background. Calling it while connected is a no-op.
// The stream outlives ctx cancellation; only Disconnect stops it.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		s.logger.WithField("path", s.cfg.Path).Debug("Event stream already connected")
		return nil
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoToken, err)
	}
	if strings.TrimSpace(token) == "" {
		return ErrNoToken
	}

	if s.cancel != nil {
		s.cancel()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.connected = true
	s.err = nil
	s.cancel = cancel
	s.done = make(chan struct{})
	s.opened = make(chan struct{})

	done := s.done
	groutine.Go(runCtx, "sse-"+strings.Trim(strings.ReplaceAll(s.cfg.Path, "/", "-"), "-"), func(ctx context.Context) {
		defer close(done)
		s.run(ctx)
	})
	return nil
}

// WaitOpen blocks until the HTTP stream is established, the stream gives up, or ctx ends.
func (s *Stream) WaitOpen(ctx context.Context) error {
	s.mu.Lock()
	opened, done := s.opened, s.done
	s.mu.Unlock()
	if done == nil {
		return errors.New("event stream not connected")
	}

	select {
	case <-opened:
		return nil
	case <-done:
		if err := s.Err(); err != nil {
			return err
		}
		return errors.New("event stream disconnected")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether the HTTP stream is currently established
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Err returns ErrStreamExhausted (wrapping the last failure) once the stream gave up.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Disconnect stops the stream and closes every subscription. Safe to call more than once.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.connected = false
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		s.logger.WithField("path", s.cfg.Path).Info("Event stream disconnected")
	}
	for _, sub := range subs {
		sub.rc.Close()
	}
}

func (s *Stream) run(ctx context.Context) {
	var policy backoff.BackOff = backoff.NewConstantBackOff(s.cfg.ReconnectDelay)
	if s.cfg.MaxReconnectAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(s.cfg.MaxReconnectAttempts))
	}
	policy = backoff.WithContext(policy, ctx)

	log := s.logger.WithField("path", s.cfg.Path)

	operation := func() error {
		err := s.consume(ctx, policy)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.WithError(err).WithField("retry_in", next).Warn("Event stream lost, reconnecting")
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if ctx.Err() != nil {
		return
	}

	exhausted := fmt.Errorf("%w: %w", ErrStreamExhausted, err)
	log.WithError(err).WithField("attempts", s.cfg.MaxReconnectAttempts).Error("Event stream gave up reconnecting")

	s.mu.Lock()
	s.err = exhausted
	s.connected = false
	s.mu.Unlock()
	s.broadcast(StreamFailed{Err: exhausted})
}

// consume opens the stream once and reads it until it fails.
// A successful open resets policy so only consecutive failures count.
func (s *Stream) consume(ctx context.Context, policy backoff.BackOff) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bearer token: %w", err)
	}

	u, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/") + s.cfg.Path)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("invalid event stream URL: %w", err))
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("event stream answered HTTP %d", resp.StatusCode)
	}

	policy.Reset()
	s.setOpen(true)
	defer s.setOpen(false)
	s.logger.WithField("path", s.cfg.Path).Info("Event stream established")

	return readFrames(resp.Body, func(f frame) {
		ev, err := s.decode([]byte(f.Data), time.Now())
		if err != nil {
			s.logger.WithError(err).WithField("data", f.Data).Warn("Dropping event")
			return
		}
		s.logger.WithFields(logrus.Fields{
			"path":  s.cfg.Path,
			"event": fmt.Sprintf("%T", ev),
		}).Debug("Event received")
		s.broadcast(ev)
	})
}

func (s *Stream) setOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = open
	if open {
		select {
		case <-s.opened:
		default:
			close(s.opened)
		}
	}
}

func (s *Stream) broadcast(ev Event) {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.rc.Send(ev) {
			s.logger.WithField("path", s.cfg.Path).Warn("Slow event subscriber, oldest event dropped")
		}
	}
}

// Subscription is one consumer of the stream. Its channel drops the oldest
// event when the consumer falls behind.
type Subscription struct {
	stream *Stream
	rc     *ringchan.RingChannel[Event]
	once   sync.Once
}

// Subscribe attaches a new consumer. Subscribing does not open the stream.
func (s *Stream) Subscribe() *Subscription {
	sub := &Subscription{stream: s, rc: ringchan.New[Event](s.cfg.SubscriberBuffer)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// C delivers events until Close or Disconnect
func (sub *Subscription) C() <-chan Event {
	return sub.rc.C()
}

// Close detaches the subscriber and closes C. The stream itself stays up.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.stream.mu.Lock()
		delete(sub.stream.subs, sub)
		sub.stream.mu.Unlock()
		sub.rc.Close()
	})
}
