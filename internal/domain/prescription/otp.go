package prescription

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// CodeGenerator produces share codes.
type CodeGenerator interface {
	Generate() (string, error)
}

// RandomCodes draws zero-padded numeric codes uniformly from a CSPRNG.
type RandomCodes struct {
	Digits int
	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader
}

func (g RandomCodes) Generate() (string, error) {
	digits := g.Digits
	if digits <= 0 {
		digits = 4
	}
	src := g.Rand
	if src == nil {
		src = rand.Reader
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(src, max)
	if err != nil {
		return "", fmt.Errorf("generate share code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
