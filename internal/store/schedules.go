package store

// GetScheduleState loads schedule.json for a task.
func (s *Store) GetScheduleState(taskID string) (ScheduleState, bool) {
	return readJSON[ScheduleState](s, s.schedulePath(taskID))
}

// PutScheduleState atomically persists schedule.json.
func (s *Store) PutScheduleState(taskID string, state ScheduleState) error {
	return writeJSON(s, s.schedulePath(taskID), state)
}

// ListScheduledTasks returns every task with a non-empty scheduleCron,
// the templates the cron scheduler polls for due firings.
func (s *Store) ListScheduledTasks() ([]Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range tasks {
		if t.ScheduleCron != "" {
			out = append(out, t)
		}
	}
	return out, nil
}
