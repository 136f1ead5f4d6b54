package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseSchedule accepts a cron expression ("0 */6 * * *", "@hourly") or a
// duration ("6h").
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(spec); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", spec)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", spec)
	}
	return cron.Every(d), nil
}

// Schedule emits a sync request on every tick of a cron schedule.
type Schedule struct {
	spec   string
	cron   *cron.Cron
	hub    *Hub
	logger *slog.Logger
}

// NewSchedule parses spec and prepares a Schedule emitting onto hub.
func NewSchedule(spec string, hub *Hub, logger *slog.Logger) (*Schedule, error) {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Schedule{spec: spec, cron: cron.New(), hub: hub, logger: logger}
	s.cron.Schedule(sched, cron.FuncJob(s.fire))
	return s, nil
}

func (s *Schedule) fire() {
	s.hub.Emit(Event{Source: SourceSchedule, Detail: s.spec})
}

// Run starts the schedule and blocks until ctx is done.
func (s *Schedule) Run(ctx context.Context) error {
	s.logger.Info("[TRIGGER] schedule started", "schedule", s.spec)
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
