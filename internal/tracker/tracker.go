// Package tracker формирует и разбирает человекочитаемые номера заказов
// вида <suffix><8 цифр><prefix>.
package tracker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	Digits      = 8
	MaxSequence = 99_999_999
)

var ErrMalformed = errors.New("malformed tracking number")

// Scheme: пара суффикс/префикс одного продуктового бакета.
type Scheme struct {
	Suffix string `yaml:"suffix"`
	Prefix string `yaml:"prefix"`
}

type Tracker struct {
	Suffix   string
	Sequence int64
	Prefix   string
}

func (s Scheme) Format(seq int64) (string, error) {
	return Generate(seq, s.Suffix, s.Prefix)
}

// Len: длина любого номера схемы.
func (s Scheme) Len() int {
	return len(s.Suffix) + Digits + len(s.Prefix)
}

func Generate(seq int64, suffix, prefix string) (string, error) {
	if seq < 1 || seq > MaxSequence {
		return "", errors.Errorf("sequence %d out of range [1, %d]", seq, MaxSequence)
	}
	return fmt.Sprintf("%s%0*d%s", suffix, Digits, seq, prefix), nil
}

func Parse(code, suffix, prefix string) (Tracker, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != len(suffix)+Digits+len(prefix) {
		return Tracker{}, ErrMalformed
	}
	if !strings.HasPrefix(code, strings.ToUpper(suffix)) || !strings.HasSuffix(code, strings.ToUpper(prefix)) {
		return Tracker{}, ErrMalformed
	}
	digits := code[len(suffix) : len(suffix)+Digits]
	seq, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || seq < 1 {
		return Tracker{}, ErrMalformed
	}
	return Tracker{Suffix: suffix, Sequence: seq, Prefix: prefix}, nil
}

func (s Scheme) Parse(code string) (Tracker, error) {
	return Parse(code, s.Suffix, s.Prefix)
}
