// Package monitor samples channel state and current sense readings on an
// interval. It only reports; it never acts on a reading.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mcsmotor/internal/motor"
)

var newTicker = func(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type Config struct {
	Interval time.Duration
}

// Source provides the channels to sample, in output order.
type Source interface {
	Channels() []*motor.UniDirectional
}

type ChannelSnapshot struct {
	ID      int        `json:"id"`
	Enabled bool       `json:"enabled"`
	Running bool       `json:"running"`
	Speed   uint8      `json:"speed"`
	Mode    motor.Mode `json:"mode"`

	SenseValid bool   `json:"sense_valid"`
	SenseRaw   uint32 `json:"sense_raw"`
	SenseError string `json:"sense_error,omitempty"`
}

type Snapshot struct {
	Channels []ChannelSnapshot `json:"channels"`

	Samples      uint64    `json:"samples"`
	LastUpdateAt time.Time `json:"last_update_utc,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

type Service struct {
	cfg Config
	src Source

	mu   sync.RWMutex
	snap Snapshot
	subs map[chan Snapshot]struct{}

	wg sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

func New(cfg Config, src Source) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Service{
		cfg:    cfg,
		src:    src,
		subs:   make(map[chan Snapshot]struct{}),
		stopCh: make(chan struct{}),
	}
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.Channels = append([]ChannelSnapshot(nil), s.snap.Channels...)
	return out
}

// Subscribe returns a channel that receives every new snapshot. Slow readers
// miss snapshots rather than block sampling. Call cancel when done.
func (s *Service) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// Start runs the sampling loop in the background. It takes one sample before
// returning so Snapshot is populated immediately.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("monitor: service is nil")
	}
	if s.src == nil {
		return fmt.Errorf("monitor: source is nil")
	}
	started := false
	s.startOnce.Do(func() {
		started = true
		s.Sample()

		tick, stop := newTicker(s.cfg.Interval)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-s.stopCh:
					return
				case <-tick:
					s.Sample()
				}
			}
		}()
	})
	if !started {
		return fmt.Errorf("monitor: already started")
	}
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// Sample reads every channel once and publishes the result.
func (s *Service) Sample() Snapshot {
	chans := s.src.Channels()
	next := Snapshot{Channels: make([]ChannelSnapshot, 0, len(chans))}
	for i, ch := range chans {
		st := ch.State()
		cs := ChannelSnapshot{
			ID:      i + 1,
			Enabled: st.Enabled,
			Running: st.Running,
			Speed:   st.Speed,
			Mode:    st.Mode,
		}
		v, err := ch.CurrentSense()
		if err != nil {
			cs.SenseError = err.Error()
			next.LastError = fmt.Sprintf("output %d: %v", i+1, err)
		} else {
			cs.SenseValid = true
			cs.SenseRaw = v
		}
		next.Channels = append(next.Channels, cs)
	}

	s.mu.Lock()
	next.Samples = s.snap.Samples + 1
	next.LastUpdateAt = time.Now().UTC()
	s.snap = next
	for sub := range s.subs {
		select {
		case sub <- next:
		default:
		}
	}
	s.mu.Unlock()
	return next
}
