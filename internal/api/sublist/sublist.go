// Package sublist fans location updates out to the subscribers of each
// device.
package sublist

import (
	"sync"
)

// Subscriber receives frames. Push must not block; it reports true once the
// subscriber is gone so it can be dropped from every list.
type Subscriber interface {
	Push(sender int64, d []byte) (closed bool)
}

type SublistMap struct {
	mu   sync.Mutex
	list map[int64]*Sublist
	all  *Sublist
}

type Sublist struct {
	key  int64
	list map[Subscriber]bool
	data []byte
	ts   int64
	mu   sync.Mutex
}

func NewSublistMap() *SublistMap {
	m := &SublistMap{}
	m.list = map[int64]*Sublist{}
	m.all = newSublist(0)
	return m
}

func newSublist(key int64) *Sublist {
	return &Sublist{key: key, list: make(map[Subscriber]bool)}
}

func (s *SublistMap) GetSublist(key int64, create bool) (*Sublist, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.list[key]
	if ok {
		return l, true
	}
	if !create {
		return nil, false
	}
	l = newSublist(key)
	s.list[key] = l
	return l, true
}

// All is the list of subscribers that want every device.
func (s *SublistMap) All() *Sublist {
	return s.all
}

// Send delivers d, a frame for a reading taken at ts, to the subscribers of
// sender and to those of All. The device list is created on demand so it can
// replay its newest frame to late subscribers.
func (s *SublistMap) Send(sender int64, ts int64, d []byte) {
	l, _ := s.GetSublist(sender, true)
	l.Send(sender, ts, d)
	s.all.Send(sender, ts, d)
}

// Subscribe adds sub and immediately pushes the newest frame, if any.
func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	s.list[sub] = true
	if s.data != nil {
		sub.Push(s.key, s.data)
	}
	s.mu.Unlock()
}

func (s *Sublist) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	delete(s.list, sub)
	s.mu.Unlock()
}

// Send pushes d to every subscriber. The replay frame only moves forward in
// reading time; ties go to the later frame.
func (s *Sublist) Send(sender int64, ts int64, d []byte) {
	s.mu.Lock()
	if s.key != 0 && (s.data == nil || ts >= s.ts) {
		s.data = d
		s.ts = ts
	}
	for sub := range s.list {
		closed := sub.Push(sender, d)
		if closed {
			delete(s.list, sub)
		}
	}
	s.mu.Unlock()
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}
