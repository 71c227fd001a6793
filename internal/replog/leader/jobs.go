package leader

import (
	"time"
)

/*
Background jobs of a LogLeader. Every job exits once the leader goroutine stopped (the done channel is closed), so a
resigned leader leaves no goroutines behind.
*/

// heartbeatJob wakes the leader goroutine periodically so that due heartbeats are sent even when nothing else happens.
// It ticks twice per interval, so no follower waits much longer than one interval. It should be called as a goroutine.
func heartbeatJob(l *LogLeader, interval time.Duration) {
	defer l.jobs.Done()

	ticker := time.NewTicker(max(interval/2, time.Millisecond))
	defer ticker.Stop()

	l.logger.Debugf("[JOB] Started heartbeat job for leader %s in term %d", l.id, l.term)

	for {
		select {
		case now := <-ticker.C:
			// Never block: a pending tick already makes the leader re-evaluate every follower
			select {
			case l.ticks <- now:
			default:
			}
		case <-l.done:
			l.logger.Debugf("[JOB] Stopping heartbeat job for leader %s in term %d", l.id, l.term)
			return
		}
	}
}
