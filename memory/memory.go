package memory

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/chorus/channel"
	"github.com/outofforest/logger"
)

// ErrInvalidConfig is returned when configuration value is rejected.
var ErrInvalidConfig = errors.New("invalid memory configuration")

// wakeRatio defines the hysteresis band: waiters are woken once usage drops to this fraction of threshold.
const wakeRatio = 0.9

// Config is the configuration of memory manager.
type Config struct {
	Capacity      int
	UpThreshold   int
	DownThreshold int
}

type direction struct {
	threshold int
	cond      *sync.Cond
}

// Manager bounds the number of bytes held by messages in flight and blocks producers
// while usage stays above the threshold of their direction.
type Manager struct {
	log *zap.Logger

	mu       sync.Mutex
	capacity int
	used     int
	closed   bool
	up       direction
	down     direction
}

// New creates memory manager.
func New(ctx context.Context, config Config) (*Manager, error) {
	if config.Capacity <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "capacity %d must be positive", config.Capacity)
	}

	m := &Manager{
		log:      logger.Get(ctx),
		capacity: config.Capacity,
	}
	m.up.cond = sync.NewCond(&m.mu)
	m.down.cond = sync.NewCond(&m.mu)

	if err := m.SetThreshold(channel.Up, config.UpThreshold); err != nil {
		return nil, err
	}
	if err := m.SetThreshold(channel.Down, config.DownThreshold); err != nil {
		return nil, err
	}
	return m, nil
}

// Capacity returns the capacity.
func (m *Manager) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.capacity
}

// Used returns the number of reserved bytes.
func (m *Manager) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.used
}

// Reserve reserves n bytes if it fits in the capacity. It never blocks.
func (m *Manager) Reserve(n int) bool {
	if n <= 0 {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.used+n > m.capacity {
		return false
	}
	m.used += n
	return true
}

// Release returns n bytes to the pool and wakes waiters of every direction whose usage
// dropped enough below its threshold.
func (m *Manager) Release(n int) {
	if n <= 0 {
		m.log.Debug("Ignoring release of non-positive amount", zap.Int("bytes", n))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.used -= min(n, m.used)
	for _, d := range []*direction{&m.up, &m.down} {
		if float64(m.used) <= float64(d.threshold)*wakeRatio {
			d.cond.Broadcast()
		}
	}
}

// AboveThreshold tells if usage reached the threshold of the direction.
func (m *Manager) AboveThreshold(dir channel.Direction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.used >= m.direction(dir).threshold
}

// BlockWhileAboveThreshold blocks until usage drops below the threshold of the direction.
// Pipeline calling it halts until other parties release memory.
func (m *Manager) BlockWhileAboveThreshold(dir channel.Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.direction(dir)
	for !m.closed && m.used >= d.threshold {
		d.cond.Wait()
	}
}

// SetThreshold sets the threshold of the direction. It must be in range (0, capacity].
// Waiters of the direction are woken if usage is below the new threshold.
func (m *Manager) SetThreshold(dir channel.Direction, threshold int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if threshold <= 0 || threshold > m.capacity {
		return errors.Wrapf(ErrInvalidConfig, "%s threshold %d must be in range (0, %d]", dir, threshold, m.capacity)
	}
	d := m.direction(dir)
	d.threshold = threshold
	if m.used < threshold {
		d.cond.Broadcast()
	}
	return nil
}

// SetCapacity sets the capacity. It can't go below current usage or any threshold.
func (m *Manager) SetCapacity(capacity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if capacity <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "capacity %d must be positive", capacity)
	}
	if capacity < m.used {
		return errors.Wrapf(ErrInvalidConfig, "capacity %d is below current usage %d", capacity, m.used)
	}
	if capacity < m.up.threshold || capacity < m.down.threshold {
		return errors.Wrapf(ErrInvalidConfig, "capacity %d is below thresholds %d/%d",
			capacity, m.up.threshold, m.down.threshold)
	}
	m.capacity = capacity
	return nil
}

// Close wakes all the waiters and makes BlockWhileAboveThreshold return immediately.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.up.cond.Broadcast()
	m.down.cond.Broadcast()
}

func (m *Manager) direction(dir channel.Direction) *direction {
	switch dir {
	case channel.Up:
		return &m.up
	case channel.Down:
		return &m.down
	default:
		panic(errors.Errorf("invalid direction %d", dir))
	}
}
