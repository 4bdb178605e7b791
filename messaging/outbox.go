package messaging

import (
	"log"
	"sync"
	"time"

	"agroops/store"
)

// Publisher is what the drainer needs from a messaging client.
type Publisher interface {
	Publish(topic string, payload []byte) error
	IsConnected() bool
}

const (
	// maxOutboxRetries stops a poisoned message from being retried forever.
	maxOutboxRetries = 10
	drainBatch       = 50
	// keepSent delivered rows stay for inspection before being purged.
	keepSent = 500
)

// OutboxDrainer periodically publishes pending outbox rows to their topic.
type OutboxDrainer struct {
	db       *store.DB
	pub      Publisher
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewOutboxDrainer(db *store.DB, pub Publisher, interval time.Duration) *OutboxDrainer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &OutboxDrainer{
		db:       db,
		pub:      pub,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

func (d *OutboxDrainer) Start() {
	d.wg.Add(1)
	go d.drainLoop()
}

func (d *OutboxDrainer) Stop() {
	select {
	case <-d.stopChan:
	default:
		close(d.stopChan)
	}
	d.wg.Wait()
}

func (d *OutboxDrainer) drainLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.drain()
		}
	}
}

// drain publishes one batch and reports how many messages were acknowledged.
func (d *OutboxDrainer) drain() int {
	if !d.pub.IsConnected() {
		return 0
	}

	msgs, err := d.db.ListDeliverableOutbox(drainBatch, maxOutboxRetries)
	if err != nil {
		log.Printf("list pending outbox: %v", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		if err := d.pub.Publish(msg.Topic, msg.Payload); err != nil {
			log.Printf("publish outbox msg %d (%s): %v", msg.ID, msg.MsgType, err)
			d.db.IncrementOutboxRetries(msg.ID)
			continue
		}
		if err := d.db.AckOutbox(msg.ID); err != nil {
			log.Printf("ack outbox msg %d: %v", msg.ID, err)
			continue
		}
		sent++
	}
	if sent > 0 {
		if _, err := d.db.PurgeSentOutbox(keepSent); err != nil {
			log.Printf("purge sent outbox: %v", err)
		}
	}
	return sent
}
