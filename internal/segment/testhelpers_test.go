package segment

// slotOf returns the table index holding key.
func (s *Segment[K, V]) slotOf(key K) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[key]
	return i, ok
}

func (s *Segment[K, V]) tableLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}
