// Package bytesize parses and prints the human-readable byte sizes the
// agent config uses for its cache budgets, like "5GB" or "500MiB".
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a size in bytes.
type ByteSize uint64

const (
	B  ByteSize = 1
	KB          = 1000 * B
	MB          = 1000 * KB
	GB          = 1000 * MB
	TB          = 1000 * GB

	KiB ByteSize = 1024
	MiB          = 1024 * KiB
	GiB          = 1024 * MiB
	TiB          = 1024 * GiB
)

// units is ordered longest suffix first so "gib" never matches as "b".
var units = []struct {
	suffix string
	mult   ByteSize
}{
	{"kib", KiB}, {"mib", MiB}, {"gib", GiB}, {"tib", TiB},
	{"kb", KB}, {"mb", MB}, {"gb", GB}, {"tb", TB},
	{"ki", KiB}, {"mi", MiB}, {"gi", GiB}, {"ti", TiB},
	{"k", KB}, {"m", MB}, {"g", GB}, {"t", TB},
	{"b", B},
}

// ParseByteSize reads a config size value: a plain byte count, a decimal
// unit (KB, MB, GB, TB, x1000), or a binary unit (KiB/Ki and friends,
// x1024). Unit matching is case-insensitive and the number may carry a
// fraction, as in "2.5GB".
func ParseByteSize(s string) (ByteSize, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("empty byte size")
	}

	mult := B
	for _, u := range units {
		if strings.HasSuffix(v, u.suffix) {
			mult = u.mult
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			break
		}
	}
	if v == "" {
		return 0, fmt.Errorf("invalid byte size %q: no number", s)
	}

	if strings.Contains(v, ".") {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("invalid byte size %q", s)
		}
		return ByteSize(f * float64(mult)), nil
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return ByteSize(n) * mult, nil
}

// String renders the size in the largest decimal unit it fills.
func (b ByteSize) String() string {
	switch {
	case b >= TB:
		return trimUnit(float64(b)/float64(TB), "TB")
	case b >= GB:
		return trimUnit(float64(b)/float64(GB), "GB")
	case b >= MB:
		return trimUnit(float64(b)/float64(MB), "MB")
	case b >= KB:
		return trimUnit(float64(b)/float64(KB), "KB")
	default:
		return fmt.Sprintf("%dB", uint64(b))
	}
}

func trimUnit(v float64, unit string) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	return s + unit
}

// Uint64 returns the size as a uint64.
func (b ByteSize) Uint64() uint64 { return uint64(b) }

// Int64 returns the size as an int64 for store and collector budgets.
func (b ByteSize) Int64() int64 { return int64(b) }
