package device

import (
	"github.com/andyleap/fprint/internal/models"
)

func (s *Session) publish(ev models.Event) {
	ev.Device = s.id
	if s.sink != nil {
		s.sink.Publish(ev)
	}
}

func (s *Session) emit(a *action, status string, done bool) {
	s.publish(models.Event{
		Kind:   a.kind.eventKind(),
		Status: status,
		Done:   done,
	})
}

func (s *Session) setFingerNeeded(needed bool) {
	s.mu.Lock()
	changed := s.fingerNeeded != needed
	s.fingerNeeded = needed
	s.mu.Unlock()
	if changed {
		s.publish(models.Event{Kind: models.EventPropertyChanged, Property: models.PropertyFingerNeeded, Value: needed})
	}
}

func (s *Session) setFingerPresent(present bool) {
	s.mu.Lock()
	changed := s.fingerPresent != present
	s.fingerPresent = present
	s.mu.Unlock()
	if changed {
		s.publish(models.Event{Kind: models.EventPropertyChanged, Property: models.PropertyFingerPresent, Value: present})
	}
}

func (s *Session) setNumStages(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	changed := s.numStages != n
	s.numStages = n
	s.mu.Unlock()
	if changed {
		s.publish(models.Event{Kind: models.EventPropertyChanged, Property: models.PropertyNumEnrollStages, Value: n})
	}
}

func (s *Session) numEnrollStages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numStages
}
