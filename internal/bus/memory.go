package bus

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/taskpilot/taskpilot/internal/common/logger"
)

// Memory is a single-process bus built on channels-free fan-out: each
// publish delivers to matching subscribers on fresh goroutines.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
	logger *logger.Logger
}

type memorySub struct {
	bus     *Memory
	subject string
	pattern *regexp.Regexp
	handler Handler

	mu     sync.Mutex
	active bool
}

func (s *memorySub) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// NewMemory creates an in-process bus.
func NewMemory(log *logger.Logger) *Memory {
	return &Memory{subs: make(map[string][]*memorySub), logger: log}
}

func (b *Memory) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	for pattern, subs := range b.subs {
		if !matches(subject, pattern) {
			continue
		}
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()
			if !active {
				continue
			}
			go sub.handler(subject, data)
		}
	}
	return nil
}

func (b *Memory) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &memorySub{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	b.subs[subject] = append(b.subs[subject], sub)
	return sub, nil
}

func (b *Memory) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subs = make(map[string][]*memorySub)
}

func (b *Memory) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks a subject against a NATS-style pattern: * matches one
// dotted token, > matches the rest.
func matches(subject, pattern string) bool {
	if !strings.ContainsAny(pattern, "*>") {
		return subject == pattern
	}
	if re := compilePattern(pattern); re != nil {
		return re.MatchString(subject)
	}
	return false
}

func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
