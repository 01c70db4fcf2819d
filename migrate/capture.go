package migrate

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/gurre/datomvault/db"
)

// captureQueueSize bounds how many transaction reports can sit between the
// listener and the log writer. The listener runs on the source's
// transaction path, so it only enqueues; all I/O happens on the drain
// goroutine.
const captureQueueSize = 4096

// capture moves transaction reports from the source's listener callback to
// the log through a bounded queue drained by a single writer goroutine.
type capture struct {
	queue    chan db.TxReport
	done     chan struct{}
	log      Log
	logger   logrus.FieldLogger
	mu       sync.RWMutex
	closed   bool
	captured atomic.Int64
	errors   atomic.Int64
}

func newCapture(log Log, logger logrus.FieldLogger) *capture {
	c := &capture{
		queue:  make(chan db.TxReport, captureQueueSize),
		done:   make(chan struct{}),
		log:    log,
		logger: logger,
	}
	go c.drain()
	return c
}

// submit enqueues a report. Called from the source's transaction thread;
// blocks only if the queue is full, never on I/O. Reports arriving after
// stop are dropped: the router has already written them itself.
func (c *capture) submit(report db.TxReport) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.queue <- report
}

// drain appends queued reports to the log until the queue closes.
func (c *capture) drain() {
	defer close(c.done)
	for report := range c.queue {
		entry := Entry{
			TxID:      report.TxID,
			Timestamp: report.Timestamp,
			TxData:    report.TxData,
		}
		if err := c.log.Append(entry); err != nil {
			// Counted in c.errors and otherwise dropped. Writes made
			// through the Router were also appended by the router itself,
			// so replay still finds them.
			c.errors.Add(1)
			c.logger.WithError(err).WithField("tx_id", report.TxID).Error("failed to capture transaction")
			continue
		}
		c.captured.Add(1)
	}
}

// stop closes the queue and waits for the drain goroutine to finish.
// Safe to call more than once.
func (c *capture) stop() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()
	<-c.done
}
