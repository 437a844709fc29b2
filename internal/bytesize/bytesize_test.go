package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"1024", 1024},
		{"0", 0},
		{"100b", 100},
		{"5GB", 5 * GB},
		{"500MB", 500 * MB},
		{"2.5GB", ByteSize(2.5 * float64(GB))},
		{"1GiB", GiB},
		{"1Gi", GiB},
		{"10gb", 10 * GB},
		{" 5 GB ", 5 * GB},
		{"3T", 3 * TB},
		{"64KiB", 64 * KiB},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseByteSizeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "  ", "GB", "five GB", "5XB", "-5GB", "1.2.3GB"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseByteSize(in)
			assert.Error(t, err)
		})
	}
}

func TestByteSizeString(t *testing.T) {
	tests := []struct {
		in   ByteSize
		want string
	}{
		{512, "512B"},
		{5 * KB, "5KB"},
		{5 * GB, "5GB"},
		{10 * GB, "10GB"},
		{ByteSize(2.5 * float64(GB)), "2.5GB"},
		{1536 * MB, "1.54GB"},
		{2 * TB, "2TB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.String())
		})
	}
}

func TestByteSizeConversions(t *testing.T) {
	size := 10 * GB
	assert.Equal(t, uint64(10_000_000_000), size.Uint64())
	assert.Equal(t, int64(10_000_000_000), size.Int64())
}
