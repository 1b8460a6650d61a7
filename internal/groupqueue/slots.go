package groupqueue

// slotPool is the global admission counter. Callers hold Queue.mu.
type slotPool struct {
	held int
	max  int

	taskHeld int
	taskMax  int // 0 = no separate ceiling
}

func (p *slotPool) resize(max, taskMax int) {
	p.max = max
	p.taskMax = taskMax
}

// claim takes one slot if the pool is not full.
func (p *slotPool) claim() bool {
	if p.held >= p.max {
		return false
	}
	p.held++
	return true
}

func (p *slotPool) release() {
	if p.held > 0 {
		p.held--
	}
}

// claimFor applies the task ceiling on top of the global bound.
func (p *slotPool) claimFor(l Lane) bool {
	if l == LaneTask && p.taskMax > 0 && p.taskHeld >= p.taskMax {
		return false
	}
	if !p.claim() {
		return false
	}
	if l == LaneTask {
		p.taskHeld++
	}
	return true
}

func (p *slotPool) releaseFor(l Lane) {
	p.release()
	if l == LaneTask && p.taskHeld > 0 {
		p.taskHeld--
	}
}

func (p *slotPool) saturated() bool { return p.held >= p.max }
