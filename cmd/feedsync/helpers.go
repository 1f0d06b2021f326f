package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatfeed-sync/internal/api"
	"github.com/dgnsrekt/chatfeed-sync/internal/config"
	"github.com/dgnsrekt/chatfeed-sync/internal/feed"
)

func parseChatID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid chat id %q (expected a positive integer)", arg)
	}
	return id, nil
}

func feedID(chatID int64) string {
	return fmt.Sprintf("chat:%d", chatID)
}

func newClient(cfg *config.Config, logger *zap.Logger) *api.HTTPClient {
	return api.NewClient(
		cfg.API.BaseURL,
		cfg.API.Token,
		cfg.API.RatePerSecond,
		cfg.API.Timeout(),
		cfg.API.RetryDelayDuration(),
		cfg.API.RetryCount,
		logger,
	)
}

// feedOptions maps the sync section of the config onto synchronizer options.
func feedOptions(sc config.SyncConfig, logger *zap.Logger) []feed.Option {
	return []feed.Option{
		feed.WithWindow(sc.Window),
		feed.WithInterval(sc.Interval),
		feed.WithFetchTimeout(sc.FetchTimeout),
		feed.WithPendingTimeout(sc.PendingTimeout),
		feed.WithBacklogLimit(sc.BacklogLimit),
		feed.WithLogger(logger),
		feed.WithWarningHandler(func(err error) {
			logger.Warn("feed warning", zap.Error(err))
		}),
	}
}

// printer writes delivered items as chat lines.
//
// Items printed through Early are remembered so the later Print of the same
// item is skipped. At most keep of them are remembered, matching the feed's
// hidden backlog limit.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	selfID int64

	keep       int
	early      map[string]struct{}
	earlyOrder []string
}

func newPrinter(w io.Writer, selfID int64) *printer {
	return &printer{
		w:      w,
		selfID: selfID,
		keep:   feed.DefaultBacklogLimit,
		early:  make(map[string]struct{}),
	}
}

func printKey(item feed.Item) string {
	return item.ID + "|" + strconv.FormatInt(item.Timestamp.UnixNano(), 10)
}

// Print writes item unless it was already written by Early.
func (p *printer) Print(item feed.Item) {
	key := printKey(item)

	p.mu.Lock()
	_, done := p.early[key]
	delete(p.early, key)
	p.mu.Unlock()

	if done {
		return
	}
	p.write(formatItem(item, p.selfID))
}

// Early writes an item the feed is holding back from its hidden view.
func (p *printer) Early(item feed.Item) {
	key := printKey(item)

	p.mu.Lock()
	if _, done := p.early[key]; done {
		p.mu.Unlock()
		return
	}
	if len(p.early) == 0 {
		// everything remembered so far has been printed again
		p.earlyOrder = p.earlyOrder[:0]
	}
	p.early[key] = struct{}{}
	p.earlyOrder = append(p.earlyOrder, key)
	for len(p.earlyOrder) > p.keep {
		delete(p.early, p.earlyOrder[0])
		p.earlyOrder = p.earlyOrder[1:]
	}
	p.mu.Unlock()

	p.write(formatItem(item, p.selfID))
}

func (p *printer) Retracted(item feed.Item) {
	line := formatItem(item, p.selfID)
	p.write("not sent: " + strings.TrimSuffix(line, " (sending)"))
}

func (p *printer) write(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

func formatItem(item feed.Item, selfID int64) string {
	msg, err := api.DecodeMessage(item)
	if err != nil {
		return fmt.Sprintf("[--:--:--] <unreadable item %s>", item.ID)
	}

	clock := "--:--:--"
	if !item.Timestamp.IsZero() {
		clock = item.Timestamp.Local().Format("15:04:05")
	}

	name := msg.Author.DisplayName()
	if msg.Author.ID == selfID {
		name = "you"
	}

	body := msg.Content
	if msg.FileURL != "" {
		body = strings.TrimSpace(body + " [file] " + msg.FileURL)
	}

	line := fmt.Sprintf("[%s] %s: %s", clock, name, body)
	if item.Provisional {
		line += " (sending)"
	}
	return line
}
