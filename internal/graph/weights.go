package graph

// Weights configures the priority score formula from spec.md section 4.1:
//
//	score(v) = W[priority(v)] + dependentMultiplier*|dependents(v)|
//	           + (isOnCriticalPath(v) ? criticalPathBonus : 0)
//	           + (effort(v) <= quickWinThreshold ? quickWinBonus : 0)
type Weights struct {
	ByPriority         map[Priority]float64
	DependentMultiplier float64
	CriticalPathBonus   float64
	QuickWinBonus       float64
	QuickWinThreshold   float64
}

// DefaultWeights returns the spec's documented defaults.
func DefaultWeights() Weights {
	return Weights{
		ByPriority: map[Priority]float64{
			PriorityP0: 100,
			PriorityP1: 75,
			PriorityP2: 50,
			PriorityP3: 25,
		},
		DependentMultiplier: 10,
		CriticalPathBonus:   50,
		QuickWinBonus:       15,
		QuickWinThreshold:   4,
	}
}
