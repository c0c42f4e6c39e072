package rotation

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

const (
	MinLength = 8
	MaxLength = 128

	letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
	special = "!@#$%^&*()_+-=[]{}|;:,.<>?"
)

// Generate returns a random password containing at least one character of
// every enabled class.
func Generate(cfg GeneratorConfig) (string, error) {
	return generateFrom(rand.Reader, cfg)
}

func generateFrom(r io.Reader, cfg GeneratorConfig) (string, error) {
	if cfg.Length < MinLength || cfg.Length > MaxLength {
		return "", fmt.Errorf("%w: length must be between %d and %d", ErrInvalidPolicy, MinLength, MaxLength)
	}
	classes := []string{letters}
	if cfg.UseNumbers {
		classes = append(classes, digits)
	}
	if cfg.UseSpecial {
		classes = append(classes, special)
	}
	var alphabet string
	for _, c := range classes {
		alphabet += c
	}

	out := make([]byte, cfg.Length)
	for i, c := range classes {
		b, err := pick(r, c)
		if err != nil {
			return "", err
		}
		out[i] = b
	}
	for i := len(classes); i < cfg.Length; i++ {
		b, err := pick(r, alphabet)
		if err != nil {
			return "", err
		}
		out[i] = b
	}

	// Fisher-Yates so the guaranteed characters are not always in front.
	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(r, big.NewInt(int64(i+1)))
		if err != nil {
			return "", fmt.Errorf("rotation: shuffle: %w", err)
		}
		out[i], out[j.Int64()] = out[j.Int64()], out[i]
	}
	return string(out), nil
}

func pick(r io.Reader, set string) (byte, error) {
	n, err := rand.Int(r, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, fmt.Errorf("rotation: random: %w", err)
	}
	return set[n.Int64()], nil
}
