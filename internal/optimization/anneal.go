package optimization

import "math"

// anneal runs restart rounds of simulated annealing over the binary
// program and returns the best state found with its energy.
func (s *Selector) anneal(p *problem) ([]bool, float64) {
	restarts := s.config.Restarts
	if restarts < 1 {
		restarts = 1
	}
	sweeps := s.config.Sweeps
	if sweeps < 1 {
		sweeps = 1
	}

	var best []bool
	bestEnergy := math.Inf(1)

	for r := 0; r < restarts; r++ {
		state, energy := s.annealOnce(p, sweeps)
		if energy < bestEnergy {
			bestEnergy = energy
			best = state
		}
	}

	return best, bestEnergy
}

// annealOnce runs a single restart from a random state through a
// geometric cooling schedule with Metropolis acceptance.
func (s *Selector) annealOnce(p *problem, sweeps int) ([]bool, float64) {
	state := make([]bool, p.n)
	count := 0
	for i := range state {
		if s.rng.Float64() < 0.5 {
			state[i] = true
			count++
		}
	}

	ratio := s.config.EndTemp / s.config.StartTemp
	for sweep := 0; sweep < sweeps; sweep++ {
		frac := 0.0
		if sweeps > 1 {
			frac = float64(sweep) / float64(sweeps-1)
		}
		temp := s.config.StartTemp * math.Pow(ratio, frac)

		for k := 0; k < p.n; k++ {
			delta := p.flipDelta(state, count, k)
			if delta <= 0 || s.rng.Float64() < math.Exp(-delta/temp) {
				if state[k] {
					count--
				} else {
					count++
				}
				state[k] = !state[k]
			}
		}
	}

	return state, p.energy(state)
}
