package model

// Task is one channel scheduled for processing.
type Task struct {
	Shot    int
	DB      string
	Channel string
}

// Key returns the resume identity of the task.
func (t Task) Key() TaskKey {
	return TaskKey{Shot: t.Shot, DB: t.DB, Channel: t.Channel}
}

// TaskResult is what a worker hands back for one task.
type TaskResult struct {
	Outcome   OutcomeRecord
	Anomalies []AnomalyRecord
}

// Batches splits tasks into consecutive slices of at most size elements.
func Batches(tasks []Task, size int) [][]Task {
	if size <= 0 {
		size = len(tasks)
	}
	var out [][]Task
	for start := 0; start < len(tasks); start += size {
		end := start + size
		if end > len(tasks) {
			end = len(tasks)
		}
		out = append(out, tasks[start:end])
	}
	return out
}
