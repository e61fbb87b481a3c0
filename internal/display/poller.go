// Package display drives a counter's call display by polling the active call
// and raising an attention cue when a new patient is called.
package display

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/store"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultCue      = 8 * time.Second
)

// Fetcher returns the active call at a counter. queue.Service and
// HTTPFetcher both satisfy it.
type Fetcher interface {
	ActiveCall(ctx context.Context, sp models.ServicePoint, counter int) (models.ActiveCall, bool, error)
}

type View struct {
	ServicePoint models.ServicePoint `json:"service_point"`
	Counter      int                 `json:"counter"`
	Call         *models.ActiveCall  `json:"call,omitempty"`
	Cue          bool                `json:"cue"`
	Stale        bool                `json:"stale"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

type Update struct {
	View    View
	NewCall bool
	Err     error
}

// Config selects the counter to follow. Interval and CueDuration fall back to
// their defaults when unset; NoCue turns the cue off.
type Config struct {
	ServicePoint models.ServicePoint
	Counter      int
	Interval     time.Duration
	CueDuration  time.Duration
	NoCue        bool
}

type Poller struct {
	fetcher Fetcher
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	primed   bool
	last     *models.ActiveCall
	cueUntil time.Time
	view     View
}

func NewPoller(fetcher Fetcher, cfg Config, logger zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CueDuration <= 0 {
		cfg.CueDuration = DefaultCue
	}
	return &Poller{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		view:    View{ServicePoint: cfg.ServicePoint, Counter: cfg.Counter},
	}
}

// Poll fetches once and folds the result into the view. A fetch error keeps
// the last view, marked stale, and is returned in the update.
func (p *Poller) Poll(ctx context.Context) Update {
	call, found, err := p.fetcher.ActiveCall(ctx, p.cfg.ServicePoint, p.cfg.Counter)

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	if err != nil {
		p.view.Stale = true
		p.view.Cue = now.Before(p.cueUntil)
		return Update{View: p.snapshot(), Err: err}
	}

	var current *models.ActiveCall
	if found {
		current = &call
	}
	newCall := false
	if p.primed && current != nil && !sameCall(p.last, current) {
		newCall = true
		if !p.cfg.NoCue {
			p.cueUntil = now.Add(p.cfg.CueDuration)
		}
	}
	if current == nil {
		p.cueUntil = time.Time{}
	}
	p.primed = true
	p.last = current

	p.view.Call = current
	p.view.Stale = false
	p.view.Cue = now.Before(p.cueUntil)
	p.view.UpdatedAt = now
	return Update{View: p.snapshot(), NewCall: newCall}
}

// View returns the latest view without fetching.
func (p *Poller) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.view.Cue = p.now().Before(p.cueUntil)
	return p.snapshot()
}

// Run polls immediately and then every interval, handing each update to
// render, until ctx is done.
func (p *Poller) Run(ctx context.Context, render func(Update)) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		update := p.Poll(ctx)
		if update.Err != nil && ctx.Err() == nil {
			event := p.logger.Warn()
			if !errors.Is(update.Err, store.ErrStoreUnavailable) {
				event = p.logger.Error()
			}
			event.Err(update.Err).
				Str("service_point", string(p.cfg.ServicePoint)).
				Int("counter", p.cfg.Counter).
				Msg("poll active call")
		}
		if ctx.Err() != nil {
			return nil
		}
		render(update)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) snapshot() View {
	view := p.view
	if p.view.Call != nil {
		call := *p.view.Call
		view.Call = &call
	}
	return view
}

func sameCall(a, b *models.ActiveCall) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.QueueID != b.QueueID {
		return false
	}
	return timeEqual(a.CalledTime, b.CalledTime)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Line renders a view as one terminal line.
func Line(view View) string {
	prefix := fmt.Sprintf("[%s #%d]", view.ServicePoint, view.Counter)
	status := ""
	if view.Stale {
		status = " (offline)"
	}
	if view.Call == nil {
		return prefix + " -- no active call --" + status
	}
	text := fmt.Sprintf("%s %s  %s  %s", prefix, view.Call.TicketNumber, view.Call.PatientLabel, view.Call.Status)
	if view.Cue {
		text = ">>> " + text + " <<<"
	}
	return text + status
}
