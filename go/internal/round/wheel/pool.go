package wheel

import "strings"

// Pool is an ordered address -> weight mapping. Iteration order is insertion
// order and never changes, which is what keeps slice boundaries stable
// between renders.
type Pool struct {
	addresses []string
	weights   []float64
	index     map[string]int
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{index: make(map[string]int)}
}

// Set assigns a weight to an address. Re-setting an existing address keeps
// its original position. Negative weights are stored as zero.
func (p *Pool) Set(address string, weight float64) {
	if weight < 0 {
		weight = 0
	}
	k := key(address)
	if i, ok := p.index[k]; ok {
		p.weights[i] = weight
		return
	}
	p.index[k] = len(p.addresses)
	p.addresses = append(p.addresses, address)
	p.weights = append(p.weights, weight)
}

// Add increases an address's weight, inserting it when absent. Addresses
// that differ only in case accumulate into one slice.
func (p *Pool) Add(address string, weight float64) {
	if weight <= 0 {
		if _, ok := p.index[key(address)]; !ok {
			p.Set(address, 0)
		}
		return
	}
	if i, ok := p.index[key(address)]; ok {
		p.weights[i] += weight
		return
	}
	p.Set(address, weight)
}

// Weight returns the weight for an address, compared case-insensitively.
func (p *Pool) Weight(address string) (float64, bool) {
	if p == nil {
		return 0, false
	}
	i, ok := p.index[key(address)]
	if !ok {
		return 0, false
	}
	return p.weights[i], true
}

// Has reports whether the address is in the pool with a positive weight.
func (p *Pool) Has(address string) bool {
	w, ok := p.Weight(address)
	return ok && w > 0
}

// Total sums every weight in iteration order.
func (p *Pool) Total() float64 {
	if p == nil {
		return 0
	}
	var total float64
	for _, w := range p.weights {
		total += w
	}
	return total
}

// Len returns the number of addresses in the pool.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.addresses)
}

// Addresses returns the addresses in iteration order.
func (p *Pool) Addresses() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.addresses...)
}

func key(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
