package feed

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultWindow         = 20
	DefaultInterval       = time.Second
	DefaultPendingTimeout = 30 * time.Second
	DefaultBacklogLimit   = 200
)

type options struct {
	window         int
	interval       time.Duration
	fetchTimeout   time.Duration
	pendingTimeout time.Duration
	backlogLimit   int

	onError   ErrorFunc
	onWarning WarningFunc
	onRetract func(Item)
	onHidden  func(Item)

	newID  func() string
	now    func() time.Time
	logger *zap.Logger
}

func defaultOptions() options {
	return options{
		window:         DefaultWindow,
		interval:       DefaultInterval,
		pendingTimeout: DefaultPendingTimeout,
		backlogLimit:   DefaultBacklogLimit,
		onError:        func(error) {},
		onWarning:      func(error) {},
		onRetract:      func(Item) {},
		onHidden:       func(Item) {},
		newID:          func() string { return "tmp-" + uuid.NewString() },
		now:            time.Now,
		logger:         zap.NewNop(),
	}
}

// Option configures a Synchronizer.
type Option func(*options)

// WithWindow sets how many recent items each fetch requests.
func WithWindow(n int) Option {
	return func(o *options) { o.window = n }
}

// WithInterval sets the polling cadence.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithFetchTimeout bounds each call to the fetch function. Zero leaves
// timeouts to the fetch function itself.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) { o.fetchTimeout = d }
}

// WithPendingTimeout sets how long an optimistic item may stay unconfirmed
// before it is retracted. Zero keeps pending items until Reconcile or Retract.
func WithPendingTimeout(d time.Duration) Option {
	return func(o *options) { o.pendingTimeout = d }
}

// WithBacklogLimit caps how many items are held back while the view is
// hidden. When the cap is exceeded the oldest held items are discarded and
// the warning handler receives a *BacklogOverflowError.
func WithBacklogLimit(n int) Option {
	return func(o *options) { o.backlogLimit = n }
}

// WithErrorHandler sets the callback for failed fetch cycles.
func WithErrorHandler(fn ErrorFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithWarningHandler sets the callback for malformed items, expired
// optimistic items and backlog overflow.
func WithWarningHandler(fn WarningFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onWarning = fn
		}
	}
}

// WithRetractHandler sets the callback invoked when an optimistic item is
// rolled back, so the host can remove it from view.
func WithRetractHandler(fn func(Item)) Option {
	return func(o *options) {
		if fn != nil {
			o.onRetract = fn
		}
	}
}

// WithHiddenHandler sets the callback invoked for each item that arrives
// while the view is hidden. Those items are rendered once the view is
// visible again.
func WithHiddenHandler(fn func(Item)) Option {
	return func(o *options) {
		if fn != nil {
			o.onHidden = fn
		}
	}
}

// WithIDGenerator overrides how provisional ids are assigned.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithClock overrides the time source used for provisional items and
// pending expiry.
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		if fn != nil {
			o.now = fn
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func (o *options) validate() error {
	if o.window <= 0 {
		return configError("window size must be positive, got %d", o.window)
	}
	if o.interval <= 0 {
		return configError("poll interval must be positive, got %s", o.interval)
	}
	if o.fetchTimeout < 0 {
		return configError("fetch timeout must not be negative, got %s", o.fetchTimeout)
	}
	if o.pendingTimeout < 0 {
		return configError("pending timeout must not be negative, got %s", o.pendingTimeout)
	}
	if o.backlogLimit <= 0 {
		return configError("backlog limit must be positive, got %d", o.backlogLimit)
	}
	return nil
}
