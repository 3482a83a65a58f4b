package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"filedaq/config"
)

type sentMessage struct {
	topic string
	msg   kafka.Message
}

// recorder collects what fake writers write across topics.
type recorder struct {
	mu   sync.Mutex
	sent []sentMessage
	fail error
	ch   chan sentMessage
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan sentMessage, 100)}
}

func (r *recorder) writer(topic string) (messageWriter, error) {
	return &fakeWriter{topic: topic, rec: r}, nil
}

func (r *recorder) next(timeout time.Duration) (sentMessage, bool) {
	select {
	case m := <-r.ch:
		return m, true
	case <-time.After(timeout):
		return sentMessage{}, false
	}
}

type fakeWriter struct {
	topic string
	rec   *recorder
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.rec.mu.Lock()
	fail := w.rec.fail
	w.rec.mu.Unlock()
	if fail != nil {
		return fail
	}
	for _, m := range msgs {
		s := sentMessage{topic: w.topic, msg: m}
		w.rec.mu.Lock()
		w.rec.sent = append(w.rec.sent, s)
		w.rec.mu.Unlock()
		w.rec.ch <- s
	}
	return nil
}

func (w *fakeWriter) Close() error { return nil }

// fakeReader serves queued messages and records commits.
type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan kafka.Message, 10)}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// connectedProducer returns a producer whose dial succeeds and whose
// writers record into rec.
func connectedProducer(cfg *config.KafkaConfig, rec *recorder) *Producer {
	p := NewProducer(cfg)
	p.dial = func(context.Context) error { return nil }
	p.newWriter = rec.writer
	if err := p.Connect(); err != nil {
		panic(err)
	}
	return p
}

var errBroker = errors.New("broker unavailable")
