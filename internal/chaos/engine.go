package chaos

import (
	"math/rand"
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"github.com/zfogg/sidechain-sub009/pkg/exception"
)

// ErrInjected is returned for faults the engine made up.
var ErrInjected = errors.New("chaos: injected fault")

// Config controls chaos injection behavior.
type Config struct {
	Seed int64
	// DialFailRate is the probability that a dial fails before reaching the server.
	DialFailRate float64
	// DropRate and DuplicateRate apply to every inbound frame.
	DropRate      float64
	DuplicateRate float64
	// MaxDelay holds each inbound frame for a random duration up to this value.
	MaxDelay time.Duration
	// CloseAfter aborts a connection after it delivered this many frames; 0 disables.
	CloseAfter int
}

// Enabled reports whether any fault is configured.
func (c Config) Enabled() bool {
	return c.DialFailRate > 0 || c.DropRate > 0 || c.DuplicateRate > 0 || c.MaxDelay > 0 || c.CloseAfter > 0
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DialFailRate < 0 || c.DialFailRate > 1 {
		return errors.Wrap(exception.ErrInvalidArgument, "dialFailRate must be between 0 and 1")
	}
	if c.DropRate < 0 || c.DropRate > 1 {
		return errors.Wrap(exception.ErrInvalidArgument, "dropRate must be between 0 and 1")
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return errors.Wrap(exception.ErrInvalidArgument, "duplicateRate must be between 0 and 1")
	}
	if c.MaxDelay < 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "maxDelay must be >= 0")
	}
	if c.CloseAfter < 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "closeAfter must be >= 0")
	}
	return nil
}

// Engine makes seeded, reproducible fault decisions. Safe for concurrent use.
type Engine struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine creates a chaos engine with validation.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return e.cfg
}

// FailDial decides whether the next dial fails.
func (e *Engine) FailDial() bool {
	if e == nil {
		return false
	}
	return e.roll(e.cfg.DialFailRate)
}

// Process applies drop and duplicate rules to one frame and picks its delay.
// An empty result means the frame was dropped.
func (e *Engine) Process(frame []byte) (out [][]byte, delay time.Duration) {
	if e == nil {
		return [][]byte{frame}, 0
	}
	if e.roll(e.cfg.DropRate) {
		return nil, 0
	}
	out = [][]byte{frame}
	if e.roll(e.cfg.DuplicateRate) {
		out = append(out, frame)
	}
	return out, e.delay()
}

func (e *Engine) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64() < rate
}

func (e *Engine) delay() time.Duration {
	maxDelay := e.cfg.MaxDelay.Nanoseconds()
	if maxDelay <= 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.rng.Int63n(maxDelay + 1))
}
