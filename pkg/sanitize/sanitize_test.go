package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"plain", "Alice", 10, "Alice"},
		{"control characters", "Al\x00ice\x1b", 10, "Alice"},
		{"whitespace collapsed", "  Alice \n\t Smith ", 20, "Alice Smith"},
		{"truncated by rune", "Ångström Ørsted", 6, "Ångst…"},
		{"no limit", "Alice Smith", 0, "Alice Smith"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(tt.in, tt.max))
		})
	}
}
