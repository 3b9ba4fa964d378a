package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// fakeReader serves a fixed list of messages and calls onEmpty once they are used up.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	onEmpty   func()
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	if r.onEmpty != nil {
		r.onEmpty()
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func eventMessage(t *testing.T, offset int64, subject string) kafka.Message {
	t.Helper()
	b, err := json.Marshal(Event{ID: subject, Type: TypeDispensingCompleted, Subject: subject})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Offset: offset, Value: b}
}

func newTestConsumer(r *fakeReader) *Consumer {
	c := newConsumer(r, zerolog.Nop())
	c.retryDelays = []time.Duration{time.Millisecond}
	return c
}

func TestConsume_RetriesFailedMessageBeforeMovingOn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &fakeReader{
		msgs: []kafka.Message{
			eventMessage(t, 5, "rx-5"),
			{Offset: 6, Value: []byte("not json")},
			eventMessage(t, 7, "rx-7"),
		},
		onEmpty: cancel,
	}

	var seen []string
	failures := 2
	handler := func(_ context.Context, e Event) error {
		seen = append(seen, e.Subject)
		if e.Subject == "rx-5" && failures > 0 {
			failures--
			return errors.New("db down")
		}
		return nil
	}

	err := newTestConsumer(r).Consume(ctx, handler)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	want := []string{"rx-5", "rx-5", "rx-5", "rx-7"}
	if len(seen) != len(want) {
		t.Fatalf("handled %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("handled %v, want %v", seen, want)
		}
	}

	commits := r.commits()
	if len(commits) != 3 || commits[0] != 5 || commits[1] != 6 || commits[2] != 7 {
		t.Errorf("expected offsets 5, 6, 7 committed in order, got %v", commits)
	}
}

func TestConsume_StopsWithoutCommittingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &fakeReader{msgs: []kafka.Message{eventMessage(t, 9, "rx-9"), eventMessage(t, 10, "rx-10")}}

	calls := 0
	handler := func(_ context.Context, e Event) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return errors.New("db down")
	}

	err := newTestConsumer(r).Consume(ctx, handler)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := r.commits(); len(got) != 0 {
		t.Errorf("failed message must not be committed, got %v", got)
	}
	if len(r.msgs) != 1 {
		t.Errorf("later messages must not be read past a failing one, %d left", len(r.msgs))
	}
}

func TestConsumer_RetryDelay(t *testing.T) {
	c := &Consumer{retryDelays: []time.Duration{time.Second, time.Minute}}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, time.Minute},
		{7, time.Minute},
	}
	for _, tt := range tests {
		if got := c.retryDelay(tt.attempt); got != tt.want {
			t.Errorf("retryDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
