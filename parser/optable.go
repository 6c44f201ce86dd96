package parser

// OpTable maps a binary operator byte to its precedence. It is shared
// between the parser (lookup while climbing) and the lowerer, which
// installs an entry before lowering the body of a `def binary<op>` and
// retracts it when the body fails.
type OpTable struct {
	prec map[byte]int
}

// NewOpTable returns a table holding the builtin binary operators.
// 1 is lowest precedence. '=' sits below all arithmetic.
func NewOpTable() *OpTable {
	return &OpTable{
		prec: map[byte]int{
			'=': 2,
			'<': 10,
			'+': 20,
			'-': 20,
			'*': 40, // highest
		},
	}
}

// Precedence returns the operator's precedence, or -1 if op is not a
// declared binary operator.
func (t *OpTable) Precedence(op byte) int {
	p, ok := t.prec[op]
	if !ok || p <= 0 {
		return -1
	}
	return p
}

// Install registers a user-defined binary operator. Precedence must be
// positive; the parser validates the 1..100 range before lowering.
func (t *OpTable) Install(op byte, prec int) {
	if prec <= 0 {
		panic("operator precedence must be positive")
	}
	t.prec[op] = prec
}

// Remove retracts an operator, undoing a speculative Install after a
// failed lowering.
func (t *OpTable) Remove(op byte) {
	delete(t.prec, op)
}
