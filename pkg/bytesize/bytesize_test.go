package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1024", 1024},
		{"1KB", 1024},
		{"1 kb", 1024},
		{"100MB", 100 * MB},
		{"1.5GB", int64(1.5 * float64(GB))},
		{"2TB", 2 * TB},
		{"512Ki", 512 * KB},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "10XB", "-5MB"} {
		_, err := Parse(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.00 KB", Format(1024))
	assert.Equal(t, "100.00 MB", Format(100*MB))
	assert.Equal(t, "1.50 GB", Format(int64(1.5*float64(GB))))
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "500 B/s", FormatRate(500))
	assert.Equal(t, "1.00 KB/s", FormatRate(1024))
	assert.Equal(t, "4.00 MB/s", FormatRate(4*float64(MB)))
}

func TestSizeUnmarshalYAML(t *testing.T) {
	var cfg struct {
		Max Size `yaml:"max"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("max: 100MB"), &cfg))
	assert.Equal(t, 100*MB, cfg.Max.Bytes())

	require.NoError(t, yaml.Unmarshal([]byte("max: 4096"), &cfg))
	assert.Equal(t, int64(4096), cfg.Max.Bytes())

	assert.Error(t, yaml.Unmarshal([]byte("max: [1,2]"), &cfg))
}
