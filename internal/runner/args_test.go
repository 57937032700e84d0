package runner

import (
	"testing"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitArguments(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"a.txt b.txt", []string{"a.txt", "b.txt"}},
		{"  -c   'echo hi > out'  ", []string{"-c", "echo hi > out"}},
		{`"a b" c\ d`, []string{"a b", "c d"}},
		{`"say \"hi\""`, []string{`say "hi"`}},
		{`'it''s'`, []string{"its"}},
		{`''`, []string{""}},
		{"x\ty\nz", []string{"x", "y", "z"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := SplitArguments(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := SplitArguments(`echo "open`)
	assert.ErrorIs(t, err, shellquote.UnterminatedDoubleQuoteError)
	_, err = SplitArguments(`echo 'open`)
	assert.ErrorIs(t, err, shellquote.UnterminatedSingleQuoteError)
	_, err = SplitArguments(`oops\`)
	assert.ErrorIs(t, err, shellquote.UnterminatedEscapeError)
	assert.ErrorContains(t, err, "oops")
}

func TestSplitArgumentsUndoesJoin(t *testing.T) {
	words := []string{"-c", "echo 'hi' > out", "", `a\b`, "x y"}
	got, err := SplitArguments(shellquote.Join(words...))
	require.NoError(t, err)
	assert.Equal(t, words, got)
}
