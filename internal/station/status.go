package station

import "time"

// Status is a point-in-time view of a station for the status API.
type Status struct {
	Name             string    `json:"name"`
	Kind             string    `json:"kind"`
	Buffered         int       `json:"buffered"`
	Pending          int       `json:"pending"`
	CurrentFile      string    `json:"current_file"`
	LastReadingAt    time.Time `json:"last_reading_at,omitempty"`
	LastData         string    `json:"last_data,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	LastErrorAt      time.Time `json:"last_error_at,omitempty"`
	Acquired         int       `json:"acquired"`
	Failures         int       `json:"failures"`
	Saved            int       `json:"saved"`
	Staged           int       `json:"staged"`
	Transferred      int       `json:"transferred"`
	TransferredBytes int64     `json:"transferred_bytes"`
}

// Status snapshots the station.
func (s *Station) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	st.Buffered = s.buf.Len()
	st.Pending = s.writer.Pending().Len()
	st.CurrentFile = s.writer.CurrentPath()
	return st
}

func (s *Station) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func (s *Station) recordErr(err error) {
	now := s.clk.Now()
	s.update(func(st *Status) {
		st.Failures++
		st.LastError = err.Error()
		st.LastErrorAt = now
	})
}
