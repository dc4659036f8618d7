package worker

import (
	"time"

	"github.com/google/uuid"
)

// healthCheck runs every healthCheckInterval on the actor goroutine. It pings
// every ready worker that isn't already awaiting a pong, and fails any worker
// whose previous ping went unanswered for pongTimeout (SPEC_FULL.md §4.2).
func (m *Manager) healthCheck(s *state) {
	for _, w := range s.workers {
		if w.Status != StatusReady || w.Stopping {
			continue
		}
		if w.pendingPingID != "" {
			continue // a ping is already outstanding; its own timer will fail it
		}

		pingID := uuid.NewString()
		w.pendingPingID = pingID
		w.pendingPingSent = time.Now()

		if err := w.transport.Send(Envelope{Type: FramePing, ID: pingID}); err != nil {
			m.logger.Warn("[WorkerManager] pinging %q: %v, treating as crashed", w.Name, err)
			_ = w.proc.Terminate()
			continue
		}

		worker := w
		w.pingTimer = time.AfterFunc(pongTimeout, func() {
			m.enqueue(func(s *state) {
				cur, ok := s.workers[worker.Name]
				if !ok || cur != worker || cur.pendingPingID != pingID {
					return
				}
				m.logger.Warn("[WorkerManager] worker %q missed health pong, terminating", worker.Name)
				_ = worker.proc.Terminate()
			})
		})
	}
}
