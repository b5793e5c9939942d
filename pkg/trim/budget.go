package trim

// DefaultReserve is the safety margin kept free for the model's answer.
const DefaultReserve = 1000

// Budget tracks token usage against a limit during one trim pass.
type Budget struct {
	Used    int
	Limit   int
	Reserve int
}

// Fits reports whether a message of the given cost can still be accepted.
func (b Budget) Fits(cost int) bool {
	return b.Used+cost+b.Reserve <= b.Limit
}

// Accept charges cost to the budget.
func (b *Budget) Accept(cost int) {
	b.Used += cost
}

// Remaining returns the tokens still available, never negative.
func (b Budget) Remaining() int {
	if r := b.Limit - b.Reserve - b.Used; r > 0 {
		return r
	}
	return 0
}
