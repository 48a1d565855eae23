package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"

	"github.com/loykin/stepsync/internal/config"
	"github.com/loykin/stepsync/internal/logger"
	"github.com/loykin/stepsync/internal/notify"
	"github.com/loykin/stepsync/internal/steps"
	"github.com/loykin/stepsync/internal/tracker"
	"github.com/loykin/stepsync/pkg/client"
)

var recommendationHint = fmt.Sprintf("🏃 Recommendation: try to walk at least %s steps a day to keep active.",
	humanize.Comma(steps.RecommendedDailySteps))

// command carries what every subcommand writes to.
type command struct {
	out    io.Writer
	errOut io.Writer
	now    func() time.Time
	// onListen reports the bound API address of serve.
	onListen func(addr string)
}

func newCommand(out io.Writer) *command {
	return &command{out: out, errOut: os.Stderr, now: time.Now}
}

// setup loads config, applies flag overrides and builds the logger.
func (c *command) setup(flags GlobalFlags) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if flags.APIURL != "" {
		cfg.Client.APIURL = flags.APIURL
	}
	if flags.Timeout > 0 {
		cfg.Client.Timeout = flags.Timeout
	}
	if flags.LogLevel != "" {
		cfg.Log.Slog.Level = logger.Level(flags.LogLevel)
	}
	log, closer := cfg.Log.NewSloggerTo(c.errOut)
	return cfg, log, func() { _ = closer.Close() }, nil
}

func newClient(cfg *config.Config, log *slog.Logger) (*client.Client, error) {
	cc := cfg.Client
	ccfg := client.Config{
		BaseURL:  cc.APIURL,
		Timeout:  cc.Timeout,
		Logger:   log,
		Insecure: cc.Insecure,
	}
	if cc.TLSEnabled() {
		ccfg.TLS = &client.TLSClientConfig{
			Enabled:    true,
			CACert:     cc.CACert,
			ClientCert: cc.CertFile,
			ClientKey:  cc.KeyFile,
			ServerName: cc.ServerName,
		}
	}
	return client.New(ccfg)
}

func (c *command) openSession(cfg *config.Config, log *slog.Logger, n notify.Notifier) (*tracker.Session, *client.Client, error) {
	api, err := newClient(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	s, err := tracker.NewSession(tracker.Options{
		Table:    api,
		Notifier: n,
		Logger:   log,
		GCTime:   cfg.Cache.GCTime,
	})
	return s, api, err
}

// Add validates raw and saves it.
func (c *command) Add(ctx context.Context, flags GlobalFlags, raw string) error {
	count, err := steps.ParseInput(raw)
	if err != nil {
		return err
	}
	cfg, log, done, err := c.setup(flags)
	if err != nil {
		return err
	}
	defer done()

	toasts := notify.NewQueue(notify.DefaultQueueSize)
	var n notify.Notifier = toasts
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, log)
		if err != nil {
			log.Warn("telegram notifications disabled", "error", err)
		} else {
			defer tg.Close()
			n = notify.Multi{toasts, tg}
		}
	}

	s, _, err := c.openSession(cfg, log, n)
	if err != nil {
		return err
	}
	defer s.Close()

	m := s.SaveSteps(func() { _, _ = fmt.Fprintln(c.out, recommendationHint) })
	rec, err := m.Mutate(ctx, count)
	toasts.Close()
	for t := range toasts.C() {
		c.printToast(t)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Saved %s steps (%s)\n", humanize.Comma(int64(rec.StepsCount)), rec.ID)
	return nil
}

func (c *command) printToast(t notify.Toast) {
	if t.Kind == notify.KindError {
		_, _ = fmt.Fprintf(c.errOut, "✖ %s\n", t.Message)
		return
	}
	_, _ = fmt.Fprintf(c.out, "✔ %s\n", t.Message)
}

// List prints every record as indented JSON.
func (c *command) List(ctx context.Context, flags GlobalFlags) error {
	cfg, log, done, err := c.setup(flags)
	if err != nil {
		return err
	}
	defer done()
	s, _, err := c.openSession(cfg, log, notify.Log{Logger: log})
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.LoadSteps(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(st.Data)
}

// Stats renders aggregates once, or on every change in watch mode.
func (c *command) Stats(ctx context.Context, flags GlobalFlags, sf StatsFlags) error {
	cfg, log, done, err := c.setup(flags)
	if err != nil {
		return err
	}
	defer done()
	s, api, err := c.openSession(cfg, log, notify.Log{Logger: log})
	if err != nil {
		return err
	}
	defer s.Close()

	if !sf.Watch {
		st, err := s.LoadSteps(ctx)
		if err != nil {
			return err
		}
		renderStats(c.out, st, c.now())
		c.serverGoal(ctx, api, st, log)
		return nil
	}

	interval := sf.Interval
	if interval <= 0 {
		interval = cfg.Cache.RefetchInterval
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.watch(ctx, s, interval)
}

// watch redraws whenever a fetch settles and refetches on every tick.
func (c *command) watch(ctx context.Context, s *tracker.Session, interval time.Duration) error {
	changes := make(chan tracker.QueryState, 1)
	q := s.Steps(func(st tracker.QueryState) {
		if st.IsFetching {
			return
		}
		// keep only the latest state
		select {
		case <-changes:
		default:
		}
		changes <- st
	})
	defer q.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case st := <-changes:
			renderStats(c.out, st, c.now())
		case <-ticker.C:
			go func() { _, _ = q.Refetch(ctx) }()
		}
	}
}

// serverGoal prints the server's daily goal and warns when its aggregates
// disagree with the ones computed from the loaded records.
func (c *command) serverGoal(ctx context.Context, api *client.Client, st tracker.QueryState, log *slog.Logger) {
	resp, err := api.Stats(ctx)
	if err != nil {
		log.Warn("server stats unavailable", "error", err)
		return
	}
	local, remote := st.Stats().OrZero(), resp.Stats.OrZero()
	if local != remote {
		log.Warn("server stats differ from loaded records", "local_total", local.Total, "server_total", remote.Total,
			"local_count", local.Count, "server_count", remote.Count)
	}
	if resp.Recommended > 0 {
		_, _ = fmt.Fprintf(c.out, "  Goal     %s a day\n", comma(resp.Recommended))
	}
}

// Health checks that the server and its table answer.
func (c *command) Health(ctx context.Context, flags GlobalFlags) error {
	cfg, log, done, err := c.setup(flags)
	if err != nil {
		return err
	}
	defer done()
	api, err := newClient(cfg, log)
	if err != nil {
		return err
	}
	if err := api.Ping(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "ok %s\n", cfg.Client.APIURL)
	return nil
}
