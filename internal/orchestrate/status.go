package orchestrate

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"crossforge/internal/arch"
	"crossforge/internal/msg"
)

// statusLine redraws a single "\r" line with what every architecture is
// doing. A nil *statusLine ignores updates.
type statusLine struct {
	w     io.Writer
	order []string
	total int

	mu    sync.Mutex
	state map[string]string

	done chan struct{}
	wg   sync.WaitGroup
}

func newStatusLine(w io.Writer, archs []arch.Architecture, total int) *statusLine {
	s := &statusLine{w: w, total: total, state: map[string]string{}, done: make(chan struct{})}
	for _, a := range archs {
		s.order = append(s.order, a.Name())
		s.state[a.Name()] = "waiting"
	}
	return s
}

func (s *statusLine) set(archName, state string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.state[archName] = state
	s.mu.Unlock()
}

func (s *statusLine) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]string, 0, len(s.order))
	for _, a := range s.order {
		parts = append(parts, fmt.Sprintf("%s: %s", a, s.state[a]))
	}
	return msg.Arrow.Sprint("-> ") + msg.Success.Sprint(strings.Join(parts, " | "))
}

func (s *statusLine) start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		last := ""
		ticks := 0
		for {
			select {
			case <-s.done:
				fmt.Fprint(s.w, "\r\033[K")
				return
			case <-ticker.C:
				// Redraw now and then in case log lines clobbered it.
				ticks++
				if ticks%20 == 0 {
					last = ""
				}
				if cur := s.String(); cur != last {
					fmt.Fprint(s.w, "\r\033[K"+cur)
					last = cur
				}
			}
		}
	}()
}

func (s *statusLine) stop() {
	close(s.done)
	s.wg.Wait()
}
