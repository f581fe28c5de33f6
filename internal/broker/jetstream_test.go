package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"nuha.dev/gpspipeline/internal/handoff"
	"nuha.dev/gpspipeline/internal/persist"
	"nuha.dev/gpspipeline/internal/reading"
)

func runServer(t *testing.T) string {
	t.Helper()
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	s, err := server.NewServer(opts)
	if err != nil {
		t.Fatal(err)
	}
	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s.ClientURL()
}

func testConfig(url string) Config {
	return Config{
		URL:          url,
		Stream:       "GPS_TEST",
		Subject:      "gps.test.readings",
		Durable:      "gps-test",
		RetryBackoff: 10 * time.Millisecond,
		FetchWait:    50 * time.Millisecond,
	}
}

func TestJetStreamRoundTrip(t *testing.T) {
	config := testConfig(runServer(t))
	js := NewJetStream(config, "test")

	buf := handoff.New()
	for i := 0; i < 20; i++ {
		buf.Push(reading.Reading{DeviceId: 1, Timestamp: int64(i), Latitude: 10.123456, Longitude: 20.654321})
	}
	buf.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := NewPublisher(buf, js, config).Run(ctx); err != nil {
		t.Fatal(err)
	}

	proc := &fakeProcessor{}
	runConsumer(t, NewConsumer(js, proc, config), proc, 20)
	for i, b := range proc.seen {
		r, err := reading.Decode([]byte(b))
		if err != nil {
			t.Fatal(err)
		}
		if r.Timestamp != int64(i) || r.Latitude != 10.123456 {
			t.Fatalf("message %d: unexpected reading %+v", i, r)
		}
	}
}

// failingProcessor records when each delivery arrived and always fails.
type failingProcessor struct {
	mu    sync.Mutex
	times []time.Time
}

func (p *failingProcessor) Process(ctx context.Context, body []byte) (persist.Outcome, error) {
	p.mu.Lock()
	p.times = append(p.times, time.Now())
	p.mu.Unlock()
	return persist.Outcome{}, errProcess
}

func (p *failingProcessor) attempts() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.times...)
}

func TestJetStreamRedeliveryWaitsForBackoff(t *testing.T) {
	config := testConfig(runServer(t))
	config.AckMode = AckAfterCommit
	config.RetryBackoff = 200 * time.Millisecond
	js := NewJetStream(config, "test")
	ch, err := js.Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	err = ch.Publish(context.Background(), body(1), "failing")
	ch.Close()
	if err != nil {
		t.Fatal(err)
	}

	proc := &failingProcessor{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewConsumer(js, proc, config).Run(ctx)
	}()
	time.Sleep(time.Second)
	cancel()
	<-done

	times := proc.attempts()
	if len(times) < 2 {
		t.Fatalf("expected the failed message to be redelivered, got %d attempts", len(times))
	}
	if len(times) > 6 {
		t.Fatalf("redelivered %d times in 1s with a 200ms backoff", len(times))
	}
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		if gap < 150*time.Millisecond {
			t.Errorf("attempt %d came %v after the previous one", i+1, gap)
		}
	}
}

func TestJetStreamDeduplicatesMessageId(t *testing.T) {
	url := runServer(t)
	config := testConfig(url)
	js := NewJetStream(config, "test")
	ch, err := js.Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	b := body(1)
	for i := 0; i < 3; i++ {
		if err := ch.Publish(context.Background(), b, "same-id"); err != nil {
			t.Fatal(err)
		}
	}
	// declaring again must not fail or reset the stream
	ch2, err := js.Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ch2.Close()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	jsc, err := nc.JetStream()
	if err != nil {
		t.Fatal(err)
	}
	info, err := jsc.StreamInfo(config.Stream)
	if err != nil {
		t.Fatal(err)
	}
	if info.State.Msgs != 1 {
		t.Errorf("expected 1 stored message, got %d", info.State.Msgs)
	}
}

func TestCoreNotifier(t *testing.T) {
	url := runServer(t)
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync("gps.test.notify")
	if err != nil {
		t.Fatal(err)
	}
	_ = nc.Flush()
	n, err := NewCoreNotifier(url, "gps.test.notify")
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()
	err = n.Notify(context.Background(), Notification{Reading: reading.Reading{DeviceId: 4, Timestamp: 5, Latitude: 6, Longitude: 7}, LocationId: 8})
	if err != nil {
		t.Fatal(err)
	}
	m, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"device_id":4,"timestamp":5,"latitude":6,"longitude":7,"location_id":8}`
	if string(m.Data) != want {
		t.Errorf("got %s, want %s", m.Data, want)
	}
}
