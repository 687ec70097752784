package redis

// ===== Redis keys =====

func (s *Store) keyJobs() string    { return s.prefix + ":jobs" }      // HASH: field = id, value = JSON
func (s *Store) keyPending() string { return s.prefix + ":q:pending" } // LIST: LPUSH on insert, RPOP on claim
func (s *Store) keyRunning() string { return s.prefix + ":q:running" } // ZSET: member = id, score = claimed epoch
func (s *Store) keyCounts() string  { return s.prefix + ":counts" }    // HASH: status -> count

// keyHash maps an artifact hash to the most recent job id.
func (s *Store) keyHash(h string) string { return s.prefix + ":hash:" + h }
