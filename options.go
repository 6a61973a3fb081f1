package fdengine

import (
	"errors"
	"runtime"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// fallbackMaxFDs sizes the table when the descriptor ceiling cannot be
// read from the rlimit.
const fallbackMaxFDs = 65536

// engineOptions holds configuration options for Engine creation.
type engineOptions struct {
	logger          *logiface.Logger[logiface.Event]
	disabledPollers map[string]struct{}
	forcedPoller    string
	workers         int
	maxFDs          int
	pollIntervalMs  int
	metricsEnabled  bool
}

// Option configures an Engine instance.
type Option interface {
	applyEngine(*engineOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyEngineFunc func(*engineOptions) error
}

func (o *optionImpl) applyEngine(opts *engineOptions) error {
	return o.applyEngineFunc(opts)
}

// WithLogger attaches a structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *engineOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithWorkers sets the number of dispatch workers, 1..63.
// The default is GOMAXPROCS, capped.
func WithWorkers(n int) Option {
	return &optionImpl{func(opts *engineOptions) error {
		if n < 1 || n > maxWorkers {
			return errors.New("fdengine: workers must be in 1..63")
		}
		opts.workers = n
		return nil
	}}
}

// WithMaxFDs sets the descriptor table size. The default is the soft
// RLIMIT_NOFILE, capped at 1<<20.
func WithMaxFDs(n int) Option {
	return &optionImpl{func(opts *engineOptions) error {
		if n < 1 {
			return errors.New("fdengine: max fds must be positive")
		}
		opts.maxFDs = n
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Engine.
// This adds a few atomic increments to the hot paths.
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *engineOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithPoller forces a specific backend by name, skipping the preference
// probe. Construction fails if it cannot initialize.
func WithPoller(name string) Option {
	return &optionImpl{func(opts *engineOptions) error {
		opts.forcedPoller = name
		return nil
	}}
}

// WithoutPoller removes a backend from the probe order.
func WithoutPoller(name string) Option {
	return &optionImpl{func(opts *engineOptions) error {
		if opts.disabledPollers == nil {
			opts.disabledPollers = make(map[string]struct{})
		}
		opts.disabledPollers[name] = struct{}{}
		return nil
	}}
}

// WithPollInterval sets the idle wait ceiling for a worker with no cached
// work. Timeout collaborators that need earlier wake-ups should keep this
// at or below their smallest deadline granularity. Default one second.
func WithPollInterval(d time.Duration) Option {
	return &optionImpl{func(opts *engineOptions) error {
		if d <= 0 {
			return errors.New("fdengine: poll interval must be positive")
		}
		opts.pollIntervalMs = int(d.Milliseconds())
		if opts.pollIntervalMs < 1 {
			opts.pollIntervalMs = 1
		}
		return nil
	}}
}

// resolveOptions applies Option instances over the defaults.
func resolveOptions(opts []Option) (*engineOptions, error) {
	cfg := &engineOptions{
		workers:        defaultWorkers(),
		maxFDs:         defaultMaxFDs(),
		pollIntervalMs: 1000,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyEngine(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// defaultWorkers picks one worker per core, capped by the mask width.
func defaultWorkers() int {
	n := runtime.GOMAXPROCS(0)
	if n > maxWorkers {
		n = maxWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// defaultMaxFDs sizes the table to the process descriptor ceiling.
func defaultMaxFDs() int {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return fallbackMaxFDs
	}
	n := lim.Cur
	if n == unix.RLIM_INFINITY || n > 1<<20 {
		return 1 << 20
	}
	if n < 1 {
		return fallbackMaxFDs
	}
	return int(n)
}
