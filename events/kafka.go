// Package events publishes applied document changes to Kafka.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"docsync-server/delta"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// ChangeEvent is the message value written for every applied change,
// keyed by document id.
type ChangeEvent struct {
	DocumentID string       `json:"documentId"`
	SessionID  string       `json:"sessionId"`
	Ops        delta.Change `json:"ops"`
	Content    string       `json:"content"`
	AppliedAt  int64        `json:"appliedAt"`
}

const DefaultMaxRetry = 3

type KafkaOptions struct {
	QueueSize int
	Workers   int
	// MaxRetry is the number of resends after a failed send. Zero means
	// DefaultMaxRetry, a negative value disables retries.
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// KafkaPublisher queues events locally and sends them from a worker pool.
// Publish never blocks: when the queue is full the event is dropped.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	opt      KafkaOptions

	mu     sync.RWMutex
	closed bool
	queue  chan ChangeEvent
	wg     sync.WaitGroup

	sent    atomic.Int64
	dropped atomic.Int64
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string, opt KafkaOptions) *KafkaPublisher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	switch {
	case opt.MaxRetry == 0:
		opt.MaxRetry = DefaultMaxRetry
	case opt.MaxRetry < 0:
		opt.MaxRetry = 0
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = time.Second
	}

	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		opt:      opt,
		queue:    make(chan ChangeEvent, opt.QueueSize),
	}
	for i := 0; i < opt.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	return p
}

// NewSyncProducer connects a producer configured the way the publisher expects.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	// SyncProducer requires Return.Successes
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}

func (p *KafkaPublisher) Publish(documentID, sessionID string, change delta.Change) {
	evt := ChangeEvent{
		DocumentID: documentID,
		SessionID:  sessionID,
		Ops:        change,
		Content:    change.Fold(),
		AppliedAt:  time.Now().UnixMilli(),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.queue <- evt:
	default:
		n := p.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"document_id": documentID,
			"dropped":     n,
		}).Warn("Change feed queue full, dropping event")
	}
}

// Close stops accepting events, sends what is queued and closes the producer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.WithFields(logrus.Fields{
		"sent":    p.sent.Load(),
		"dropped": p.dropped.Load(),
	}).Info("Change feed closed")
	return p.producer.Close()
}

func (p *KafkaPublisher) Sent() int64    { return p.sent.Load() }
func (p *KafkaPublisher) Dropped() int64 { return p.dropped.Load() }

func (p *KafkaPublisher) workerLoop(workerID int) {
	defer p.wg.Done()
	for evt := range p.queue {
		p.sendWithRetry(workerID, evt)
	}
}

func (p *KafkaPublisher) sendWithRetry(workerID int, evt ChangeEvent) {
	for attempt := 0; attempt <= p.opt.MaxRetry; attempt++ {
		err := p.sendOnce(evt)
		if err == nil {
			p.sent.Add(1)
			return
		}

		if attempt == p.opt.MaxRetry {
			p.dropped.Add(1)
			logrus.WithError(err).WithFields(logrus.Fields{
				"document_id": evt.DocumentID,
				"worker":      workerID,
			}).Error("Failed to publish change, dropping event")
			return
		}

		backoff := p.opt.BaseBackoff * time.Duration(1<<attempt)
		if backoff > p.opt.MaxBackoff {
			backoff = p.opt.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (p *KafkaPublisher) sendOnce(evt ChangeEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.DocumentID),
		Value: sarama.ByteEncoder(b),
	})
	return err
}
