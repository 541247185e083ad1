package terminal

// Set is a fixed inventory of owned pids.
type Set map[int]struct{}

// NewSet returns a Set holding pids. Non-positive pids are ignored.
func NewSet(pids ...int) Set {
	s := make(Set, len(pids))
	for _, pid := range pids {
		if pid > 0 {
			s[pid] = struct{}{}
		}
	}
	return s
}

// Owns reports membership.
func (s Set) Owns(pid int) bool {
	_, ok := s[pid]
	return ok
}
