package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v82"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/coursekit/billing/internal/app/service/webhookevent"
	"github.com/coursekit/billing/pkg/config"
	"github.com/coursekit/billing/pkg/metrics"
)

// Sweeper periodically re-drives PROCESSING records that a crash left
// behind. It reuses Dispatch end to end: BeginProcessing reclaims the
// stuck record, so a record that recovered on its own in the meantime is
// simply skipped as a duplicate.
type Sweeper struct {
	interval   time.Duration
	events     *webhookevent.Service
	dispatcher *Dispatcher
	log        *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(cfg *config.Config, events *webhookevent.Service, dispatcher *Dispatcher, log *zap.SugaredLogger) *Sweeper {
	interval := cfg.Sweep.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		interval:   interval,
		events:     events,
		dispatcher: dispatcher,
		log:        log,
	}
}

func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.events.StuckAfter())
	stuck, err := s.events.ListStuck(ctx, cutoff)
	if err != nil {
		s.log.Errorw("sweeper failed to list stuck events", "error", err)
		return
	}
	for _, rec := range stuck {
		var ev stripe.Event
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			s.log.Errorw("sweeper cannot decode stored payload",
				"event_id", rec.ExternalEventID, "error", err)
			continue
		}
		metrics.SweeperRedriveTotal.Inc()
		s.log.Infow("re-driving stuck webhook event",
			"event_id", rec.ExternalEventID, "event_type", rec.EventType)
		if err := s.dispatcher.Dispatch(ctx, &ev, rec.Payload); err != nil {
			s.log.Errorw("sweeper re-drive failed",
				"event_id", rec.ExternalEventID, "error", err)
		}
	}
}

func registerSweeper(lc fx.Lifecycle, s *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			s.Stop()
			return nil
		},
	})
}
