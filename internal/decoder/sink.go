package decoder

import "github.com/zsiec/vidread/internal/media"

// sink is the ordered output queue of an engine. The channel bounds how many
// units the engine produces ahead of the consumer; units that arrive while it
// is full, which happens when one packet yields several, wait in overflow so
// none are lost. Like the engine, it is not safe for concurrent use.
type sink struct {
	ch       chan media.DecodedUnit
	overflow []media.DecodedUnit
}

func newSink(capacity int) *sink {
	if capacity <= 0 {
		capacity = media.SinkCapacity
	}
	return &sink{ch: make(chan media.DecodedUnit, capacity)}
}

func (s *sink) push(u media.DecodedUnit) {
	if len(s.overflow) == 0 {
		select {
		case s.ch <- u:
			return
		default:
		}
	}
	s.overflow = append(s.overflow, u)
}

// pop removes the oldest unit.
func (s *sink) pop() (media.DecodedUnit, bool) {
	select {
	case u := <-s.ch:
		if len(s.overflow) > 0 {
			s.ch <- s.overflow[0]
			s.overflow[0] = media.DecodedUnit{}
			s.overflow = s.overflow[1:]
		}
		return u, true
	default:
		return media.DecodedUnit{}, false
	}
}

// full reports whether the engine should stop producing.
func (s *sink) full() bool {
	return len(s.ch) == cap(s.ch)
}

// size returns the number of queued units.
func (s *sink) size() int {
	return len(s.ch) + len(s.overflow)
}

func (s *sink) clear() {
	for {
		if _, ok := s.pop(); !ok {
			return
		}
	}
}
