package modbus

// HoldingRegister returns the current value at address.
func (s *Server) HoldingRegister(address uint16) uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holding[address]
}

// Snapshot copies n registers starting at start.
func (s *Server) Snapshot(start uint16, n int) []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(start)+n > len(s.holding) {
		n = len(s.holding) - int(start)
	}
	out := make([]uint16, n)
	copy(out, s.holding[start:int(start)+n])
	return out
}

// Writes counts accepted write requests.
func (s *Server) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
