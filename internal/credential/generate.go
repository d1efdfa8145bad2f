package credential

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	lowercase    = "abcdefghijklmnopqrstuvwxyz"
	uppercase    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits       = "0123456789"
	alphanumeric = lowercase + uppercase + digits
)

// generate builds a value of exactly p.Length characters holding at least one
// character of every required class, in CSPRNG-shuffled order.
func (m *Materializer) generate(p Policy) (Plaintext, error) {
	classes := []string{lowercase, uppercase, digits}
	specials := p.specials()
	if p.RequireSpecial {
		classes = append(classes, specials)
	}
	pool := alphanumeric + specials

	out := make(Plaintext, 0, p.Length)
	for _, class := range classes {
		c, err := m.pick(class)
		if err != nil {
			out.Wipe()
			return nil, err
		}
		out = append(out, c)
	}
	for len(out) < p.Length {
		c, err := m.pick(pool)
		if err != nil {
			out.Wipe()
			return nil, err
		}
		out = append(out, c)
	}

	// Fisher-Yates so the guaranteed characters are not always in front.
	for i := len(out) - 1; i > 0; i-- {
		j, err := m.intn(i + 1)
		if err != nil {
			out.Wipe()
			return nil, err
		}
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *Materializer) pick(set string) (byte, error) {
	i, err := m.intn(len(set))
	if err != nil {
		return 0, err
	}
	return set[i], nil
}

// intn returns a uniform random integer in [0, n).
func (m *Materializer) intn(n int) (int, error) {
	v, err := rand.Int(m.reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("reading random source: %w", err)
	}
	return int(v.Int64()), nil
}
