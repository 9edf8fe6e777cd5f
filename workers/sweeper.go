package workers

import (
	"context"
	"log"
	"time"

	"chess-wager-system/services"

	"github.com/go-co-op/gocron/v2"
)

// Sweeper is the reconciliation loop. Every tick it cancels waiting
// games nobody joined within the staleness window and terminates active
// games whose side to move has run out of time. Each game is handled in
// its own transaction so one failure never stalls the rest of the pass.
type Sweeper struct {
	Games       *services.GameService
	StaleWindow time.Duration
	Interval    time.Duration

	sched gocron.Scheduler
}

const (
	// DefaultStaleWindow is how long a waiting game may sit unjoined.
	DefaultStaleWindow = 20 * time.Minute
	// DefaultInterval bounds how late a flag fall can be detected.
	DefaultInterval = 10 * time.Second
)

func NewSweeper(games *services.GameService) *Sweeper {
	return &Sweeper{
		Games:       games,
		StaleWindow: DefaultStaleWindow,
		Interval:    DefaultInterval,
	}
}

// Start runs the sweep on the configured interval until Stop.
func (w *Sweeper) Start() {
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Printf("❌ [SWEEPER] scheduler init failed: %v", err)
		return
	}
	w.sched = sched
	_, _ = sched.NewJob(
		gocron.DurationJob(w.Interval),
		gocron.NewTask(func() {
			expired, timedOut, err := w.RunOnce(context.Background())
			if err != nil {
				log.Printf("❌ [SWEEPER] pass failed: %v", err)
				return
			}
			if expired > 0 || timedOut > 0 {
				log.Printf("🧹 [SWEEPER] expired %d waiting, timed out %d active", expired, timedOut)
			}
		}),
	)
	sched.Start()
	log.Printf("🧹 [SWEEPER] running every %s (stale window %s)", w.Interval, w.StaleWindow)
}

// Stop shuts the scheduler down.
func (w *Sweeper) Stop() {
	if w.sched != nil {
		_ = w.sched.Shutdown()
	}
}

// RunOnce performs a single sweep and returns how many games it
// expired and how many it timed out. Per-game failures are logged and
// skipped; listing failures abort the pass.
func (w *Sweeper) RunOnce(ctx context.Context) (expired, timedOut int, err error) {
	cutoff := time.Now().Add(-w.StaleWindow)
	stale, err := w.Games.StaleWaiting(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	for _, g := range stale {
		done, err := w.Games.ExpireWaiting(ctx, g.ID)
		if err != nil {
			log.Printf("❌ [SWEEPER] expire %s: %v", g.ID, err)
			continue
		}
		if done {
			expired++
		}
	}

	active, err := w.Games.ActiveGames(ctx)
	if err != nil {
		return expired, 0, err
	}
	now := time.Now()
	for _, g := range active {
		done, err := w.Games.TimeoutIfFlagged(ctx, g.ID, now)
		if err != nil {
			log.Printf("❌ [SWEEPER] timeout %s: %v", g.ID, err)
			continue
		}
		if done {
			timedOut++
		}
	}
	return expired, timedOut, nil
}
