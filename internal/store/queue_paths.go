package store

// QueuePath exposes the well-known queue.json path for internal/queue.
func (s *Store) QueuePath() string { return s.queuePath() }

// QueueLockPath exposes the well-known queue.json.lock path for internal/queue.
func (s *Store) QueueLockPath() string { return s.queueLockPath() }

// FailureKBPath exposes the failure-kb/<id>.json path.
func (s *Store) FailureKBPath(id string) string { return s.failureKBPath(id) }

// FailureKBDir exposes the failure-kb/ directory, e.g. for a config.Watcher.
func (s *Store) FailureKBDir() string { return s.failureKBDir() }
