package itemstore

import "time"

// deferredSweepInterval is the fixed period between deferred-delete scans.
const deferredSweepInterval = 5 * time.Second

// StartSweeper launches the background goroutine that scans the
// deferred-delete queue on a fixed tick, releasing entries whose
// delete-lock window has elapsed.
func (s *Store) StartSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(deferredSweepInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SweepDeferred()
			case <-stop:
				return
			}
		}
	}()
}
