package store

// GetWorkflow loads workflow.json for a task.
func (s *Store) GetWorkflow(taskID string) (Workflow, bool) {
	return readJSON[Workflow](s, s.workflowPath(taskID))
}

// PutWorkflow atomically persists workflow.json.
func (s *Store) PutWorkflow(taskID string, wf Workflow) error {
	return writeJSON(s, s.workflowPath(taskID), wf)
}

// GetInstance loads instance.json for a task.
func (s *Store) GetInstance(taskID string) (WorkflowInstance, bool) {
	return readJSON[WorkflowInstance](s, s.instancePath(taskID))
}

// PutInstance atomically persists instance.json. The Engine calls this after
// every node transition so edge conditions always see a consistent snapshot
// (spec.md §5 "Ordering guarantees").
func (s *Store) PutInstance(taskID string, inst WorkflowInstance) error {
	return writeJSON(s, s.instancePath(taskID), inst)
}
