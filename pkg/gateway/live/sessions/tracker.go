package sessions

import (
	"context"
	"sync"
	"time"
)

// Info is a point-in-time view of one live session, as reported by the
// session itself through its Snapshot callback.
type Info struct {
	SessionID string    `json:"sessionId"`
	Stage     string    `json:"stage"`
	Turns     int       `json:"turns"`
	StartedAt time.Time `json:"startedAt"`
}

type Handle struct {
	Cancel   func()
	Snapshot func() Info
}

// Tracker indexes live voice sessions so shutdown can cancel and drain
// them, and the stats endpoint can enumerate them.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	started  int64
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.started++
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// TotalStarted counts every session ever registered, including ones
// that have since closed.
func (t *Tracker) TotalStarted() int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Snapshots collects the current view of every live session.
func (t *Tracker) Snapshots() []Info {
	if t == nil {
		return nil
	}

	var snaps []func() Info
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Snapshot == nil {
			continue
		}
		snaps = append(snaps, entry.handle.Snapshot)
	}
	t.mu.Unlock()

	infos := make([]Info, 0, len(snaps))
	for _, snap := range snaps {
		infos = append(infos, snap())
	}
	return infos
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
