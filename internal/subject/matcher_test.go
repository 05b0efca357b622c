package subject

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	cases := []struct {
		name    string
		pattern string
		subject string
		want    bool
	}{
		{"exact literal", "factory.line1.temp", "factory.line1.temp", true},
		{"literal mismatch", "factory.line1.temp", "factory.line1.pressure", false},
		{"single wildcard", "factory.*.temp", "factory.line1.temp", true},
		{"wildcard needs a segment", "factory.*.temp", "factory.temp", false},
		{"trailing tail wildcard", "commands.sensor-001.>", "commands.sensor-001.restart", true},
		{"tail wildcard multi segment", "commands.sensor-001.>", "commands.sensor-001.config.update", true},
		{"tail wildcard needs at least one segment", "commands.sensor-001.>", "commands.sensor-001", false},
		{"tail wildcard not at end invalid", "a.>.b", "a.x.b", false},
		{"empty pattern", "", "a.b", false},
		{"empty subject", "a.b", "", false},
		{"leading dot invalid", ".a.b", "a.b", false},
		{"trailing dot invalid", "a.b.", "a.b", false},
		{"adjacent dots invalid", "a..b", "a.b", false},
		{"extra subject segments without tail wildcard", "a.b", "a.b.c", false},
		{"fewer subject segments", "a.b.c", "a.b", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Matches(tc.pattern, tc.subject))
		})
	}
}

func TestMatchesInvariant_LiteralSegmentsEqual(t *testing.T) {
	// For all patterns p and subjects s: matches(p, s) implies every
	// non-wildcard segment of p at the same index equals the
	// corresponding segment of s (spec section 8).
	pattern := "factory.line1.*.temp"
	subject := "factory.line1.sensorA.temp"
	require.True(t, Matches(pattern, subject))

	patSegs, _ := Split(pattern)
	subjSegs, _ := Split(subject)
	for i, p := range patSegs {
		if p == "*" || p == ">" {
			continue
		}
		require.Equal(t, p, subjSegs[i])
	}
}

func TestAllowed(t *testing.T) {
	patterns := []string{"telemetry.>", "commands.sensor-001.>"}
	require.True(t, Allowed(patterns, "telemetry.sensor-001.temp"))
	require.True(t, Allowed(patterns, "commands.sensor-001.restart"))
	require.False(t, Allowed(patterns, "admin.system.restart"))
}

func TestAllowed_EmptyPatternList(t *testing.T) {
	require.False(t, Allowed(nil, "a.b"))
}

func TestValidSubject(t *testing.T) {
	require.True(t, ValidSubject("factory.line1.temp"))
	require.True(t, ValidSubject("a-b_c.D1"))
	require.False(t, ValidSubject("factory.*.temp"))
	require.False(t, ValidSubject("factory..line1"))
	require.False(t, ValidSubject(""))
	require.False(t, ValidSubject("factory.line1!"))
}

func TestValidPattern(t *testing.T) {
	require.True(t, ValidPattern("factory.*.temp"))
	require.True(t, ValidPattern("commands.sensor-001.>"))
	require.False(t, ValidPattern("a.>.b"))
	require.False(t, ValidPattern(".a"))
}

func TestMatchesDeterministic(t *testing.T) {
	// matches(p, s) is total and deterministic.
	for i := 0; i < 100; i++ {
		require.Equal(t, Matches("a.*.c", "a.b.c"), Matches("a.*.c", "a.b.c"))
	}
}
