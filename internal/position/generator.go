package position

import (
	"math/rand/v2"
	"sync"
)

// DefaultJitterBits gives 1024 distinct outcomes per gap while keeping keys short.
const DefaultJitterBits = 10

// Generator hands out jittered keys. Each key starts at the midpoint of the
// requested gap and then takes JitterBits random bisection steps inside it,
// so two writers inserting into the same gap rarely pick the same key.
type Generator struct {
	bits int

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewGenerator builds a generator. A nil source seeds one from the runtime.
func NewGenerator(jitterBits int, src rand.Source) *Generator {
	if jitterBits < 0 {
		jitterBits = 0
	}
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Generator{bits: jitterBits, rnd: rand.New(src)}
}

// First returns a key for the only member of an empty group.
func (g *Generator) First() (string, error) {
	return g.Between("", "")
}

// After returns a key that sorts after last. An empty last behaves like First.
func (g *Generator) After(last string) (string, error) {
	return g.Between(last, "")
}

// Before returns a key that sorts before first.
func (g *Generator) Before(first string) (string, error) {
	return g.Between("", first)
}

// Between returns a jittered key strictly between a and b.
func (g *Generator) Between(a, b string) (string, error) {
	key, err := KeyBetween(a, b)
	if err != nil {
		return "", err
	}
	lo, hi := a, b
	for i := 0; i < g.bits; i++ {
		if g.coin() {
			lo = key
		} else {
			hi = key
		}
		key, err = KeyBetween(lo, hi)
		if err != nil {
			return "", err
		}
	}
	return key, nil
}

func (g *Generator) coin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.Uint64()&1 == 1
}
