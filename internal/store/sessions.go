package store

// GetSessions loads the full sessions.json map (chatId -> ChatSession).
// Absent file returns an empty, non-nil map.
func (s *Store) GetSessions() map[string]ChatSession {
	m, ok := readJSON[map[string]ChatSession](s, s.sessionsPath())
	if !ok || m == nil {
		return map[string]ChatSession{}
	}
	return m
}

// PutSessions atomically persists the full sessions.json map. The Session
// Manager writes the whole map after every mutation (spec.md §4.9).
func (s *Store) PutSessions(sessions map[string]ChatSession) error {
	return writeJSON(s, s.sessionsPath(), sessions)
}
