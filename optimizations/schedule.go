package optimizations

// LinearWarmup raises the learning rate linearly from 0 to the optimizer's
// base rate over Warmup steps, then decays it linearly to 0 at Total.
type LinearWarmup struct {
	Warmup int
	Total  int

	opt  *AdamW
	step int
}

// NewLinearWarmup attaches the schedule to opt and sets the rate for step 0.
func NewLinearWarmup(opt *AdamW, warmup, total int) *LinearWarmup {
	s := &LinearWarmup{Warmup: warmup, Total: total, opt: opt}
	opt.LR = opt.BaseLR() * s.factor(0)
	return s
}

// Step advances the schedule by one optimizer step and returns the new rate.
func (s *LinearWarmup) Step() float64 {
	s.step++
	s.opt.LR = s.opt.BaseLR() * s.factor(s.step)
	return s.opt.LR
}

func (s *LinearWarmup) factor(step int) float64 {
	if step < s.Warmup {
		return float64(step) / float64(max(1, s.Warmup))
	}
	f := float64(s.Total-step) / float64(max(1, s.Total-s.Warmup))
	return max(0, f)
}
