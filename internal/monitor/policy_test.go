package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":          ModeAdvisory,
		"advisory":  ModeAdvisory,
		"Enforcing": ModeEnforcing,
		"off":       ModeDisabled,
		"disabled":  ModeDisabled,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("strict")
	assert.ErrorContains(t, err, "unknown sandbox mode")
}

func TestPolicyFor(t *testing.T) {
	p := PolicyFor(ModeEnforcing,
		[]string{"/w/src/a.c", "/w/src/b.c", "/w/include/a.h"},
		[]string{"/w/out/a.o"})
	assert.Equal(t, []string{"/w/out"}, p.WriteDirs)
	assert.Equal(t, []string{"/w/src", "/w/include", "/w/out"}, p.ReadDirs)
}

func TestPolicyDecide(t *testing.T) {
	p := PolicyFor(ModeEnforcing, []string{"/w/src/a.c"}, []string{"/w/out/a.o"})
	p.AllowRead = []string{"/usr/**"}
	p.AllowWrite = []string{"/w/tmp/*.log"}
	p.Ignore = []string{"/proc/**"}
	require.NoError(t, p.Validate())

	tests := []struct {
		name string
		kind Kind
		path string
		want Outcome
	}{
		{"read declared dir", KindFileOpenRead, "/w/src/other.c", OutcomeAllowed},
		{"read output dir", KindFileOpenRead, "/w/out/a.o", OutcomeAllowed},
		{"read system glob", KindLibraryLoad, "/usr/lib/libc.so.6", OutcomeAllowed},
		{"read outside", KindFileOpenRead, "/home/u/.config", OutcomeBlocked},
		{"sibling prefix is not inside", KindFileOpenRead, "/w/src2/x.c", OutcomeBlocked},
		{"write output dir", KindFileOpenWrite, "/w/out/b.o", OutcomeAllowed},
		{"write input dir", KindFileOpenWrite, "/w/src/a.c", OutcomeBlocked},
		{"write allow glob", KindFileOpenWrite, "/w/tmp/build.log", OutcomeAllowed},
		{"delete outside", KindFileDelete, "/w/src/a.c", OutcomeBlocked},
		{"ignored", KindFileOpenWrite, "/proc/self/status", OutcomeAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.kind, tt.path))
		})
	}

	t.Run("advisory never blocks", func(t *testing.T) {
		adv := p
		adv.Mode = ModeAdvisory
		assert.Equal(t, OutcomeAllowed, adv.Decide(KindFileOpenWrite, "/etc/passwd"))
		assert.False(t, adv.Permits(KindFileOpenWrite, "/etc/passwd"))
	})
}

func TestPolicyValidate(t *testing.T) {
	p := Policy{Ignore: []string{"/proc/[**"}}
	assert.ErrorContains(t, p.Validate(), "invalid glob")
}

func TestKindClassification(t *testing.T) {
	assert.True(t, KindFileRename.IsWrite())
	assert.True(t, KindDirectoryCreate.IsWrite())
	assert.False(t, KindFileOpenRead.IsWrite())
	assert.True(t, KindSearchPathProbe.IsRead())
	assert.Equal(t, "file-delete-on-close", KindFileDeleteOnClose.String())
	assert.Equal(t, "not-found", OutcomeNotFound.String())
}
