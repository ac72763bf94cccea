package dispatch

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"racebot/internal/race"
	kit "racebot/internal/transport"
	logx "racebot/pkg/logx"
)

// Dispatcher delivers one reminder notification. The scheduler treats every
// error as retryable; it does not interpret the reason.
type Dispatcher interface {
	Deliver(ctx context.Context, r race.Race, k race.Kind) error
}

// Config for the Telegram dispatcher.
type Config struct {
	Target     kit.ChatTarget
	Mention    string // prepended to each announcement, e.g. "@racers"
	RatePerSec int
	Location   *time.Location
}

// Telegram announces reminders to a fixed chat, resolved once at startup.
type Telegram struct {
	cfg     Config
	adapter kit.Adapter
	limiter *rate.Limiter
	log     logx.Logger
}

func NewTelegram(cfg Config, adapter kit.Adapter, log logx.Logger) *Telegram {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		cfg:     cfg,
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}
}

func (t *Telegram) Deliver(ctx context.Context, r race.Race, k race.Kind) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	text := formatReminder(r, k, t.cfg.Location, t.cfg.Mention)
	_, err := t.adapter.SendText(ctx, t.cfg.Target, text, &kit.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
	})
	if err != nil {
		return err
	}
	t.log.Debug("reminder sent",
		logx.Int64("race_id", r.ID), logx.String("kind", k.Key()))
	return nil
}
