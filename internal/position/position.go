// Package position allocates fractional-index sort keys for sibling pages.
//
// A key is an integer part followed by an optional fraction, both written in
// base62 ("0-9A-Za-z"). Keys compare byte-wise, so sorting a sibling group by
// key yields its display order, and a new key can always be generated between
// any two existing keys without touching the rest of the group.
//
// The integer part starts with a head character that encodes its length:
// 'a' is followed by one digit, 'b' by two, and so on; 'Z' is followed by one
// digit, 'Y' by two, and so on for the negative range. The fraction never ends
// in '0'.
package position

import (
	"errors"
	"fmt"
	"strings"
)

const (
	digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	zero   = '0'

	integerZero = "a0"
)

// smallestInteger can never be decremented, so it is not a valid key by itself.
var smallestInteger = "A" + strings.Repeat("0", 26)

var (
	// ErrInvalidKey reports a key that is not a well-formed fractional index.
	ErrInvalidKey = errors.New("invalid position key")
	// ErrInvalidRange reports bounds that are not strictly ascending.
	ErrInvalidRange = errors.New("invalid position range")
	// ErrExhausted reports that the integer range has no room left in the requested direction.
	ErrExhausted = errors.New("position range exhausted")
)

// Validate reports whether key is a syntactically valid position.
func Validate(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for i := 0; i < len(key); i++ {
		if strings.IndexByte(digits, key[i]) < 0 {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidKey, key, key[i])
		}
	}
	if key == smallestInteger {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidKey, key)
	}
	integer, err := integerPart(key)
	if err != nil {
		return err
	}
	if fraction := key[len(integer):]; strings.HasSuffix(fraction, string(zero)) {
		return fmt.Errorf("%w: %q has a trailing zero", ErrInvalidKey, key)
	}
	return nil
}

// KeyBetween returns a key k with a < k < b. An empty bound means the group
// is open on that side, so KeyBetween("", "") returns the first key of an
// empty group.
func KeyBetween(a, b string) (string, error) {
	if a != "" {
		if err := Validate(a); err != nil {
			return "", err
		}
	}
	if b != "" {
		if err := Validate(b); err != nil {
			return "", err
		}
	}
	if a != "" && b != "" && a >= b {
		return "", fmt.Errorf("%w: %q >= %q", ErrInvalidRange, a, b)
	}

	if a == "" {
		if b == "" {
			return integerZero, nil
		}
		ib, _ := integerPart(b)
		fb := b[len(ib):]
		if ib == smallestInteger {
			mid, err := midpoint("", fb)
			if err != nil {
				return "", err
			}
			return ib + mid, nil
		}
		if ib < b {
			return ib, nil
		}
		prev, ok := decrementInteger(ib)
		if !ok {
			return "", fmt.Errorf("%w: cannot go below %q", ErrExhausted, b)
		}
		return prev, nil
	}

	ia, _ := integerPart(a)
	fa := a[len(ia):]

	if b == "" {
		next, ok := incrementInteger(ia)
		if ok {
			return next, nil
		}
		mid, err := midpoint(fa, "")
		if err != nil {
			return "", err
		}
		return ia + mid, nil
	}

	ib, _ := integerPart(b)
	fb := b[len(ib):]
	if ia == ib {
		mid, err := midpoint(fa, fb)
		if err != nil {
			return "", err
		}
		return ia + mid, nil
	}
	next, ok := incrementInteger(ia)
	if !ok {
		return "", fmt.Errorf("%w: cannot go above %q", ErrExhausted, a)
	}
	if next < b {
		return next, nil
	}
	mid, err := midpoint(fa, "")
	if err != nil {
		return "", err
	}
	return ia + mid, nil
}

// NKeysBetween returns n ascending keys strictly between a and b.
func NKeysBetween(a, b string, n int) ([]string, error) {
	switch {
	case n <= 0:
		return nil, nil
	case n == 1:
		key, err := KeyBetween(a, b)
		if err != nil {
			return nil, err
		}
		return []string{key}, nil
	}

	if b == "" {
		keys := make([]string, 0, n)
		prev := a
		for i := 0; i < n; i++ {
			key, err := KeyBetween(prev, b)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
			prev = key
		}
		return keys, nil
	}

	if a == "" {
		keys := make([]string, n)
		next := b
		for i := n - 1; i >= 0; i-- {
			key, err := KeyBetween(a, next)
			if err != nil {
				return nil, err
			}
			keys[i] = key
			next = key
		}
		return keys, nil
	}

	half := n / 2
	mid, err := KeyBetween(a, b)
	if err != nil {
		return nil, err
	}
	left, err := NKeysBetween(a, mid, half)
	if err != nil {
		return nil, err
	}
	right, err := NKeysBetween(mid, b, n-half-1)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, n)
	keys = append(keys, left...)
	keys = append(keys, mid)
	return append(keys, right...), nil
}

// midpoint returns a fraction strictly between fractions a and b. An empty b
// means "one", i.e. no upper bound. When b is present it is never empty.
func midpoint(a, b string) (string, error) {
	if b != "" && a >= b {
		return "", fmt.Errorf("%w: fraction %q >= %q", ErrInvalidRange, a, b)
	}
	if strings.HasSuffix(a, string(zero)) || strings.HasSuffix(b, string(zero)) {
		return "", fmt.Errorf("%w: fraction has a trailing zero", ErrInvalidKey)
	}

	if b != "" {
		n := 0
		for n < len(b) && digitAt(a, n) == b[n] {
			n++
		}
		if n > 0 {
			rest := ""
			if n < len(a) {
				rest = a[n:]
			}
			mid, err := midpoint(rest, b[n:])
			if err != nil {
				return "", err
			}
			return b[:n] + mid, nil
		}
	}

	digitA := 0
	if a != "" {
		digitA = strings.IndexByte(digits, a[0])
	}
	digitB := len(digits)
	if b != "" {
		digitB = strings.IndexByte(digits, b[0])
	}

	if digitB-digitA > 1 {
		return string(digits[(digitA+digitB+1)/2]), nil
	}
	if len(b) > 1 {
		return b[:1], nil
	}
	rest := ""
	if len(a) > 1 {
		rest = a[1:]
	}
	mid, err := midpoint(rest, "")
	if err != nil {
		return "", err
	}
	return string(digits[digitA]) + mid, nil
}

func digitAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return zero
}

func integerLength(head byte) (int, bool) {
	switch {
	case head >= 'a' && head <= 'z':
		return int(head-'a') + 2, true
	case head >= 'A' && head <= 'Z':
		return int('Z'-head) + 2, true
	default:
		return 0, false
	}
}

func integerPart(key string) (string, error) {
	length, ok := integerLength(key[0])
	if !ok {
		return "", fmt.Errorf("%w: %q has an invalid head", ErrInvalidKey, key)
	}
	if length > len(key) {
		return "", fmt.Errorf("%w: %q is shorter than its integer part", ErrInvalidKey, key)
	}
	return key[:length], nil
}

func incrementInteger(x string) (string, bool) {
	head := x[0]
	digs := []byte(x[1:])
	carry := true
	for i := len(digs) - 1; carry && i >= 0; i-- {
		d := strings.IndexByte(digits, digs[i]) + 1
		if d == len(digits) {
			digs[i] = zero
		} else {
			digs[i] = digits[d]
			carry = false
		}
	}
	if !carry {
		return string(head) + string(digs), true
	}
	switch head {
	case 'Z':
		return "a" + string(zero), true
	case 'z':
		return "", false
	}
	next := head + 1
	if next > 'a' {
		digs = append(digs, zero)
	} else {
		digs = digs[:len(digs)-1]
	}
	return string(next) + string(digs), true
}

func decrementInteger(x string) (string, bool) {
	head := x[0]
	digs := []byte(x[1:])
	borrow := true
	for i := len(digs) - 1; borrow && i >= 0; i-- {
		d := strings.IndexByte(digits, digs[i]) - 1
		if d == -1 {
			digs[i] = digits[len(digits)-1]
		} else {
			digs[i] = digits[d]
			borrow = false
		}
	}
	if !borrow {
		return string(head) + string(digs), true
	}
	switch head {
	case 'a':
		return "Z" + string(digits[len(digits)-1]), true
	case 'A':
		return "", false
	}
	prev := head - 1
	if prev < 'Z' {
		digs = append(digs, digits[len(digits)-1])
	} else {
		digs = digs[:len(digs)-1]
	}
	return string(prev) + string(digs), true
}
