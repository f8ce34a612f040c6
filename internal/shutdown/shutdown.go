// Package shutdown carries the single process-wide drain signal. Wait
// loops poll it between blocking pops so in-flight long polls can hand
// clients a retry hint instead of dying with the process.
package shutdown

import "sync"

type Signal struct {
	once sync.Once
	ch   chan struct{}
}

func New() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Trigger marks the process as draining. Safe to call more than once.
func (s *Signal) Trigger() {
	s.once.Do(func() { close(s.ch) })
}

func (s *Signal) Triggered() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *Signal) Done() <-chan struct{} { return s.ch }
