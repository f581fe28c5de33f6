package sublist

import (
	"testing"
)

type mockSub struct {
	closed bool
	got    [][]byte
}

func (m *mockSub) Push(sender int64, d []byte) bool {
	if m.closed {
		return true
	}
	m.got = append(m.got, d)
	return false
}

func TestSendToDeviceSubscribers(t *testing.T) {
	m := NewSublistMap()
	a, b := &mockSub{}, &mockSub{}
	l1, _ := m.GetSublist(1, true)
	l2, _ := m.GetSublist(2, true)
	l1.Subscribe(a)
	l2.Subscribe(b)
	m.Send(1, 10, []byte("one"))
	if len(a.got) != 1 || len(b.got) != 0 {
		t.Errorf("unexpected delivery a=%d b=%d", len(a.got), len(b.got))
	}
}

func TestAllReceivesEverything(t *testing.T) {
	m := NewSublistMap()
	all := &mockSub{}
	m.All().Subscribe(all)
	m.Send(1, 10, []byte("one"))
	m.Send(2, 10, []byte("two"))
	if len(all.got) != 2 {
		t.Errorf("expected 2 frames, got %d", len(all.got))
	}
}

func TestLateSubscriberGetsLastFrame(t *testing.T) {
	m := NewSublistMap()
	m.Send(3, 10, []byte("old"))
	m.Send(3, 20, []byte("new"))
	s := &mockSub{}
	l, ok := m.GetSublist(3, false)
	if !ok {
		t.Fatal("sublist should exist after a send")
	}
	l.Subscribe(s)
	if len(s.got) != 1 || string(s.got[0]) != "new" {
		t.Errorf("expected the last frame, got %q", s.got)
	}
	late := &mockSub{}
	m.All().Subscribe(late)
	if len(late.got) != 0 {
		t.Errorf("all list must not replay frames")
	}
}

func TestReplayKeepsNewestReading(t *testing.T) {
	m := NewSublistMap()
	live := &mockSub{}
	l, _ := m.GetSublist(3, true)
	l.Subscribe(live)
	m.Send(3, 20, []byte("newer"))
	m.Send(3, 10, []byte("older"))
	if len(live.got) != 2 {
		t.Errorf("live subscribers get every frame, got %d", len(live.got))
	}
	late := &mockSub{}
	l.Subscribe(late)
	if len(late.got) != 1 || string(late.got[0]) != "newer" {
		t.Errorf("expected the newest reading replayed, got %q", late.got)
	}
	m.Send(3, 20, []byte("same time"))
	tie := &mockSub{}
	l.Subscribe(tie)
	if len(tie.got) != 1 || string(tie.got[0]) != "same time" {
		t.Errorf("expected the later frame on a tie, got %q", tie.got)
	}
}

func TestClosedSubscriberDropped(t *testing.T) {
	m := NewSublistMap()
	l, _ := m.GetSublist(1, true)
	for i := 0; i < 10; i++ {
		l.Subscribe(&mockSub{closed: i%3 == 0})
	}
	m.Send(1, 10, []byte("x"))
	if l.Len() != 6 {
		t.Errorf("expected 6 live subscribers, got %d", l.Len())
	}
}

func TestGetSublistWithoutCreate(t *testing.T) {
	m := NewSublistMap()
	if _, ok := m.GetSublist(42, false); ok {
		t.Error("sublist should not exist")
	}
}

type nopSub struct{ n int }

func (s *nopSub) Push(sender int64, d []byte) bool {
	s.n++
	return false
}

func BenchmarkSend(b *testing.B) {
	m := NewSublistMap()
	l, _ := m.GetSublist(1, true)
	for i := 0; i < 100; i++ {
		l.Subscribe(&nopSub{})
	}
	p := make([]byte, 100)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Send(1, int64(i), p)
	}
}
