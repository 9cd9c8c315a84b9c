package position

import "sync"

// ChannelSource fans published fixes out to subscribers and remembers the
// most recent fix. The local HTTP bridge publishes into it; simulators and
// tests publish directly.
type ChannelSource struct {
	mu      sync.RWMutex
	subs    []chan Fix
	last    Fix
	hasLast bool
	mode    Mode
}

func NewChannelSource() *ChannelSource {
	return &ChannelSource{mode: ModeCoarse}
}

func (s *ChannelSource) Subscribe() <-chan Fix {
	ch := make(chan Fix, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Publish delivers a fix to every subscriber. Slow subscribers drop fixes
// rather than block the publisher.
func (s *ChannelSource) Publish(fix Fix) {
	s.mu.Lock()
	s.last = fix
	s.hasLast = true
	subs := make([]chan Fix, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- fix:
		default:
		}
	}
}

func (s *ChannelSource) SetMode(mode Mode) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

func (s *ChannelSource) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *ChannelSource) Last() (Fix, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}
