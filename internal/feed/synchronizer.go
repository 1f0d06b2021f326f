package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatfeed-sync/internal/poll"
)

// Synchronizer keeps a deduplicated, time-ordered local view of a remote feed
// by polling a fixed window of recent items.
//
// Within one cycle items are rendered in ascending timestamp order. Items from
// a later cycle are never reordered relative to items already rendered.
type Synchronizer struct {
	feedID string
	fetch  FetchFunc
	render RenderFunc
	opts   options
	poller *poll.Poller
	logger *zap.Logger

	mu        sync.Mutex
	known     map[string]struct{}
	watermark time.Time
	pending   []pendingEntry
	hidden    bool
	backlog   []Item

	// emitMu keeps render calls from different paths from interleaving.
	// Render callbacks must not call SubmitOptimistic or OnVisibilityChange
	// on the same Synchronizer.
	emitMu sync.Mutex
}

type pendingEntry struct {
	item        Item
	submittedAt time.Time
}

// State is a point-in-time view of a Synchronizer.
type State struct {
	FeedID        string    `json:"feed_id"`
	Active        bool      `json:"active"`
	Fetching      bool      `json:"fetching"`
	Hidden        bool      `json:"hidden"`
	Known         int       `json:"known"`
	Pending       int       `json:"pending"`
	Backlog       int       `json:"backlog"`
	HighWatermark time.Time `json:"high_watermark"`
}

// New creates a stopped Synchronizer for feedID. Configuration problems are
// reported here and wrap ErrInvalidConfig.
func New(feedID string, fetch FetchFunc, render RenderFunc, opts ...Option) (*Synchronizer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if feedID == "" {
		return nil, configError("feed id is required")
	}
	if fetch == nil {
		return nil, configError("fetch function is required")
	}
	if render == nil {
		return nil, configError("render callback is required")
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	s := &Synchronizer{
		feedID: feedID,
		fetch:  fetch,
		render: render,
		opts:   o,
		logger: o.logger.With(zap.String("feed", feedID)),
		known:  make(map[string]struct{}),
	}
	s.poller = poll.New(o.interval, s.cycle, s.logger)
	return s, nil
}

// FeedID returns the feed this Synchronizer is bound to.
func (s *Synchronizer) FeedID() string {
	return s.feedID
}

// Start fetches immediately and then on every interval. Calling Start while
// running resets the timer. ctx bounds fetches and is not cancelled by Stop.
func (s *Synchronizer) Start(ctx context.Context) {
	s.logger.Info("starting feed sync",
		zap.Int("window", s.opts.window),
		zap.Duration("interval", s.opts.interval),
	)
	s.poller.Start(ctx)
}

// Stop cancels future polling. A fetch already in flight still completes and
// updates state.
func (s *Synchronizer) Stop() {
	if !s.poller.Active() {
		return
	}
	s.poller.Stop()
	s.logger.Info("stopped feed sync")
}

// Sync runs one fetch cycle on the calling goroutine. It returns false when
// the cycle was skipped because another one was in flight.
func (s *Synchronizer) Sync(ctx context.Context) bool {
	return s.poller.Do(ctx)
}

// Wait blocks until background cycles that are in flight have finished.
func (s *Synchronizer) Wait() {
	s.poller.Wait()
}

func (s *Synchronizer) Active() bool   { return s.poller.Active() }
func (s *Synchronizer) Fetching() bool { return s.poller.InFlight() }

// HighWatermark returns the newest timestamp delivered so far.
func (s *Synchronizer) HighWatermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Known reports whether id has been delivered.
func (s *Synchronizer) Known(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[id]
	return ok
}

func (s *Synchronizer) KnownCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.known)
}

// Pending returns the unconfirmed optimistic items in submission order.
func (s *Synchronizer) Pending() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Item, len(s.pending))
	for i, p := range s.pending {
		items[i] = p.item
	}
	return items
}

func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		FeedID:        s.feedID,
		Active:        s.poller.Active(),
		Fetching:      s.poller.InFlight(),
		Hidden:        s.hidden,
		Known:         len(s.known),
		Pending:       len(s.pending),
		Backlog:       len(s.backlog),
		HighWatermark: s.watermark,
	}
}

// SubmitOptimistic records a local write that has not reached the server yet
// and renders it immediately. The returned provisional id is later passed to
// Reconcile or Retract.
func (s *Synchronizer) SubmitOptimistic(payload json.RawMessage) string {
	now := s.opts.now()
	item := Item{
		ID:          s.opts.newID(),
		Timestamp:   now,
		Payload:     payload,
		Provisional: true,
	}

	s.mu.Lock()
	s.pending = append(s.pending, pendingEntry{item: item, submittedAt: now})
	s.mu.Unlock()

	s.logger.Debug("optimistic item submitted", zap.String("provisional_id", item.ID))
	s.deliver([]Item{item})
	return item.ID
}

// Reconcile drops the pending entry for provisionalID after the host's write
// succeeded. The confirmed item is not delivered here; the next fetch picks
// it up and deduplicates it by id.
func (s *Synchronizer) Reconcile(provisionalID string, confirmed Item) error {
	if _, ok := s.removePending(provisionalID, false); !ok {
		return &PendingError{ProvisionalID: provisionalID, Err: ErrUnknownProvisional}
	}
	s.logger.Debug("optimistic item confirmed",
		zap.String("provisional_id", provisionalID),
		zap.String("id", confirmed.ID),
	)
	return nil
}

// Retract rolls back an optimistic item whose write failed and notifies the
// retract handler so the host can remove it from view.
func (s *Synchronizer) Retract(provisionalID string, cause error) error {
	item, ok := s.removePending(provisionalID, true)
	if !ok {
		return &PendingError{ProvisionalID: provisionalID, Err: ErrUnknownProvisional}
	}
	s.logger.Info("optimistic item retracted",
		zap.String("provisional_id", provisionalID),
		zap.Error(cause),
	)
	s.opts.onRetract(item)
	return nil
}

func (s *Synchronizer) removePending(provisionalID string, dropBacklog bool) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, p := range s.pending {
		if p.item.ID == provisionalID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Item{}, false
	}
	item := s.pending[idx].item
	s.pending = append(s.pending[:idx], s.pending[idx+1:]...)

	if dropBacklog {
		s.dropFromBacklog(provisionalID)
	}
	return item, true
}

// dropFromBacklog removes a provisional item that has not been rendered yet.
// Callers hold s.mu.
func (s *Synchronizer) dropFromBacklog(provisionalID string) {
	for i, b := range s.backlog {
		if b.Provisional && b.ID == provisionalID {
			s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
			return
		}
	}
}

// OnVisibilityChange tells the Synchronizer whether the view is hidden.
// Polling continues while hidden; new items are held back and rendered in
// order once the view becomes visible, followed by an immediate fetch when
// polling is running. At most the backlog limit is held; older items are
// dropped.
func (s *Synchronizer) OnVisibilityChange(hidden bool) {
	s.emitMu.Lock()
	s.mu.Lock()
	wasHidden := s.hidden
	s.hidden = hidden
	var backlog []Item
	if wasHidden && !hidden {
		backlog = s.backlog
		s.backlog = nil
	}
	s.mu.Unlock()

	for _, item := range backlog {
		s.render(item)
	}
	s.emitMu.Unlock()

	if !wasHidden || hidden {
		return
	}
	s.logger.Debug("view visible again",
		zap.Int("backlog", len(backlog)),
	)
	s.poller.TriggerActive()
}

func (s *Synchronizer) cycle(ctx context.Context) {
	s.expirePending()

	batch, err := s.callFetch(ctx)
	if err != nil {
		terr := &TransportError{FeedID: s.feedID, Err: err}
		s.logger.Warn("fetch failed", zap.Error(err))
		s.opts.onError(terr)
		return
	}

	ordered, malformed := s.merge(batch)
	if len(ordered)+len(malformed) == 0 {
		return
	}

	s.logger.Debug("new items",
		zap.Int("batch", len(batch)),
		zap.Int("new", len(ordered)),
		zap.Int("malformed", len(malformed)),
	)

	for _, item := range malformed {
		s.opts.onWarning(&MalformedItemError{
			FeedID: s.feedID,
			ItemID: item.ID,
			Reason: "missing or unparseable timestamp",
		})
	}
	s.deliver(append(ordered, malformed...))
}

func (s *Synchronizer) callFetch(ctx context.Context) (batch []Item, err error) {
	if s.opts.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.fetchTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()

	return s.fetch(ctx, s.opts.window)
}

// merge records the novel items of batch and returns them ready for
// delivery: valid items sorted by timestamp, malformed items in batch order.
func (s *Synchronizer) merge(batch []Item) (ordered, malformed []Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(batch))
	for _, item := range batch {
		key := item.dedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := s.known[key]; ok {
			continue
		}

		item.Provisional = false
		if item.Malformed() {
			malformed = append(malformed, item)
		} else {
			ordered = append(ordered, item)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	for _, item := range ordered {
		s.known[item.dedupKey()] = struct{}{}
		if item.Timestamp.After(s.watermark) {
			s.watermark = item.Timestamp
		}
	}
	for _, item := range malformed {
		s.known[item.dedupKey()] = struct{}{}
	}
	return ordered, malformed
}

func (s *Synchronizer) deliver(items []Item) {
	if len(items) == 0 {
		return
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	hidden := s.hidden
	dropped := 0
	if hidden {
		s.backlog = append(s.backlog, items...)
		if over := len(s.backlog) - s.opts.backlogLimit; over > 0 {
			dropped = over
			s.backlog = append([]Item(nil), s.backlog[over:]...)
		}
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Warn("hidden backlog full, dropping oldest items",
			zap.Int("dropped", dropped),
			zap.Int("limit", s.opts.backlogLimit),
		)
		s.opts.onWarning(&BacklogOverflowError{
			FeedID:  s.feedID,
			Dropped: dropped,
			Limit:   s.opts.backlogLimit,
		})
	}

	for _, item := range items {
		if hidden {
			s.opts.onHidden(item)
			continue
		}
		s.render(item)
	}
}

func (s *Synchronizer) expirePending() {
	if s.opts.pendingTimeout == 0 {
		return
	}

	now := s.opts.now()
	var expired []Item

	s.mu.Lock()
	kept := s.pending[:0]
	for _, p := range s.pending {
		if now.Sub(p.submittedAt) >= s.opts.pendingTimeout {
			expired = append(expired, p.item)
			continue
		}
		kept = append(kept, p)
	}
	s.pending = kept
	for _, item := range expired {
		s.dropFromBacklog(item.ID)
	}
	s.mu.Unlock()

	for _, item := range expired {
		s.logger.Warn("optimistic item expired", zap.String("provisional_id", item.ID))
		s.opts.onWarning(&PendingError{ProvisionalID: item.ID, Err: ErrPendingExpired})
		s.opts.onRetract(item)
	}
}
