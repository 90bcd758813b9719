package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/hookwatch/internal/channel"
	"github.com/ppiankov/hookwatch/internal/console"
	"github.com/ppiankov/hookwatch/internal/journal"
	"github.com/ppiankov/hookwatch/internal/logqueue"
	"github.com/ppiankov/hookwatch/internal/session"
	"github.com/ppiankov/hookwatch/internal/sim"
	"github.com/ppiankov/hookwatch/internal/spoof"
)

// app is a session attached to a scripted host.
type app struct {
	script  *sim.Script
	host    *sim.Host
	sess    *session.Session
	journal *journal.Journal
}

type appOptions struct {
	scriptPath  string
	journalPath string
	spoofsPath  string
}

// newApp builds the host a script declares, attaches a session with one
// worker context per scripted worker, and installs hooks.
func newApp(opts appOptions) (*app, error) {
	cfg := appConfig
	script := sim.DefaultScript()
	if opts.scriptPath != "" {
		s, err := sim.LoadScript(opts.scriptPath)
		if err != nil {
			return nil, err
		}
		script = s
	}
	h, err := sim.NewHost(script)
	if err != nil {
		return nil, err
	}
	h.World.SetLogger(logger.Named("host"))

	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	a := &app{script: script, host: h}
	var consumers []logqueue.Consumer
	if path := firstNonEmpty(opts.journalPath, cfg.JournalPath); path != "" {
		j, err := journal.Open(path, logger.Named("journal"))
		if err != nil {
			return nil, err
		}
		a.journal = j
		consumers = append(consumers, j)
	}

	sess, err := session.New(h.Main, session.Config{
		Registry: reg,
		Queue: logqueue.Config{
			Capacity:  cfg.Queue.Capacity,
			BatchSize: cfg.Queue.BatchSize,
			Tick:      cfg.Queue.Tick,
		},
		Console:   console.Config{LogLimit: cfg.LogLimit, ConsoleLimit: cfg.ConsoleLimit},
		Tick:      cfg.ChannelTick,
		Consumers: consumers,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sess = sess

	for _, name := range h.WorkerNames() {
		if _, err := sess.AddWorker(h.Workers[name], channel.ContextID(name)); err != nil {
			a.Close()
			return nil, fmt.Errorf("attach worker %s: %w", name, err)
		}
	}
	if err := sess.BeginHooks(cfg.PatchFunctions); err != nil {
		a.Close()
		return nil, fmt.Errorf("install hooks: %w", err)
	}

	if path := firstNonEmpty(opts.spoofsPath, cfg.SpoofsPath); path != "" {
		src, err := spoof.ReadSource(path)
		if err != nil {
			a.Close()
			return nil, err
		}
		if src != "" {
			if err := sess.SetNewReturnSpoofs(src); err != nil {
				a.Close()
				return nil, fmt.Errorf("load spoofs %s: %w", path, err)
			}
		}
	}
	sess.Step()
	return a, nil
}

// drain steps the session until no records are left queued.
func (a *app) drain() int {
	total := 0
	for {
		n := a.sess.Step()
		if n == 0 {
			return total
		}
		total += n
	}
}

// playOnce plays the scenario a single time. Failed steps are reported
// through onStepError; a run that stops early is logged.
func (a *app) playOnce(ctx context.Context) {
	if err := a.host.Run(ctx, a.script.Steps, 0, a.onStepError); err != nil {
		logger.Warn("scripted run stopped", zap.Error(err))
	}
}

// onStepError reports a failed scripted call on the console.
func (a *app) onStepError(st sim.Step, err error) {
	logger.Warn("scripted call failed", zap.String("endpoint", st.Endpoint), zap.Error(err))
	a.sess.Print(console.LevelError, fmt.Sprintf("%s: %v", st.Endpoint, err))
}

// Close detaches the session and closes the journal.
func (a *app) Close() {
	if a.sess != nil {
		a.sess.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logger.Warn("journal close failed", zap.Error(err))
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
