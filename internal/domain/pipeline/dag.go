package pipeline

// ReadySteps returns the IDs of steps that are pending and have all dependencies succeeded.
func ReadySteps(steps []Step) []string {
	succeeded := make(map[string]bool, len(steps))
	for i := range steps {
		if steps[i].Status == StepSucceeded {
			succeeded[steps[i].ID] = true
		}
	}

	var ready []string
	for i := range steps {
		if steps[i].Status != StepPending {
			continue
		}
		allDepsDone := true
		for _, dep := range steps[i].DependsOn {
			if !succeeded[dep] {
				allDepsDone = false
				break
			}
		}
		if allDepsDone {
			ready = append(ready, steps[i].ID)
		}
	}
	return ready
}

// BlockedSteps returns pending steps that can never run because a
// dependency failed or was skipped.
func BlockedSteps(steps []Step) []string {
	dead := make(map[string]bool, len(steps))
	for i := range steps {
		if steps[i].Status == StepFailed || steps[i].Status == StepSkipped {
			dead[steps[i].ID] = true
		}
	}

	var blocked []string
	for i := range steps {
		if steps[i].Status != StepPending {
			continue
		}
		for _, dep := range steps[i].DependsOn {
			if dead[dep] {
				blocked = append(blocked, steps[i].ID)
				break
			}
		}
	}
	return blocked
}

// RunningCount returns the number of steps currently running.
func RunningCount(steps []Step) int {
	count := 0
	for i := range steps {
		if steps[i].Status == StepRunning {
			count++
		}
	}
	return count
}

// AllTerminal returns true if every step is in a terminal state.
func AllTerminal(steps []Step) bool {
	for i := range steps {
		if !steps[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// RequiredFailed returns true if a required step failed.
func RequiredFailed(steps []Step) bool {
	for i := range steps {
		if steps[i].Required && steps[i].Status == StepFailed {
			return true
		}
	}
	return false
}

// FinalStatus derives the run outcome once all steps are terminal:
// completed when every step succeeded, failed when any required step did
// not succeed, partially_failed otherwise.
func FinalStatus(steps []Step) RunStatus {
	degraded := false
	for i := range steps {
		if steps[i].Status == StepSucceeded {
			continue
		}
		if steps[i].Required {
			return RunFailed
		}
		degraded = true
	}
	if degraded {
		return RunPartiallyFailed
	}
	return RunCompleted
}
