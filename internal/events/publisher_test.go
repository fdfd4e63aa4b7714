package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	channel string
	message any
	err     error
	closed  int
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.channel = channel
	f.message = message
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func (f *fakeRedis) Close() error {
	f.closed++
	return nil
}

func TestRedisPublisherPublishesJSON(t *testing.T) {
	fake := &fakeRedis{}
	p := &RedisPublisher{client: fake, prefix: "examprep:capture:"}

	err := p.Publish(context.Background(), "s1", map[string]string{"type": "transcript_delta", "text": "hi"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if fake.channel != "examprep:capture:s1" {
		t.Fatalf("channel = %q", fake.channel)
	}
	var got map[string]string
	if err := json.Unmarshal(fake.message.([]byte), &got); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if got["text"] != "hi" {
		t.Fatalf("payload = %v", got)
	}
}

func TestRedisPublisherWrapsErrors(t *testing.T) {
	boom := errors.New("connection reset")
	p := &RedisPublisher{client: &fakeRedis{err: boom}}
	if err := p.Publish(context.Background(), "s1", "x"); !errors.Is(err, boom) {
		t.Fatalf("Publish() error = %v, want wrapped %v", err, boom)
	}
	if err := p.Publish(context.Background(), "s1", make(chan int)); err == nil {
		t.Fatalf("Publish(unmarshalable) expected error")
	}
}

func TestNewPublisher(t *testing.T) {
	p, err := NewPublisher(context.Background(), "  ", "x:")
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	if _, ok := p.(NopPublisher); !ok {
		t.Fatalf("NewPublisher() = %T, want NopPublisher", p)
	}
	if err := p.Publish(context.Background(), "s", nil); err != nil {
		t.Fatalf("NopPublisher.Publish() error = %v", err)
	}

	if _, err := NewPublisher(context.Background(), "://bad", "x:"); err == nil {
		t.Fatalf("NewPublisher(bad url) expected error")
	}
}
