package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// Dispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞主流程（调用方只入队，队列满直接丢弃）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 重试耗尽时降级丢弃并打日志，语义为 at-most-once
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan DocEvent
	wg    sync.WaitGroup

	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 10_000
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 1 * time.Second
	}
	return o
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opt Options) *Dispatcher {
	opt = opt.withDefaults()
	d := &Dispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocEvent, opt.QueueSize),
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	for i := 0; i < opt.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// SnapshotSaved implements session.Notifier.
func (d *Dispatcher) SnapshotSaved(docID, actorID string) {
	d.enqueue(DocEvent{EventType: TypeSnapshotSaved, DocID: docID, ActorID: actorID, OccurredAt: time.Now()})
}

func (d *Dispatcher) RoomClosed(docID, actorID string) {
	d.enqueue(DocEvent{EventType: TypeRoomClosed, DocID: docID, ActorID: actorID, OccurredAt: time.Now()})
}

func (d *Dispatcher) MetadataBroadcast(docID string, payload []byte) {
	d.enqueue(DocEvent{EventType: TypeMetadataBroadcast, DocID: docID, Payload: payload, OccurredAt: time.Now()})
}

func (d *Dispatcher) enqueue(evt DocEvent) {
	select {
	case d.queue <- evt:
	default:
		// 队列满即丢弃，不能反压编辑主链路
		log.Printf("event queue full, drop %s doc=%s", evt.EventType, evt.DocID)
	}
}

// Close drains the queue and stops the workers. Call after ShutdownAll so
// final SNAPSHOT_SAVED events still go out.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt DocEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			return
		}
		if attempt == d.maxRetry {
			log.Printf("event send failed, drop %s doc=%s worker=%d err=%v",
				evt.EventType, evt.DocID, workerID, err)
			return
		}
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt DocEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID), // 按文档分区
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
