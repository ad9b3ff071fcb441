package testutils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextAsserter_Defaults(t *testing.T) {
	ta := NewTextAsserter(t)
	assert.True(t, ta.options.TrimSpace)
	assert.True(t, ta.options.IgnoreTrailingWhitespace)
	assert.False(t, ta.options.IgnoreEmptyLines)
	assert.False(t, ta.options.EnableColors)
}

func TestTextAsserter_Diff(t *testing.T) {
	t.Run("trailing whitespace ignored", func(t *testing.T) {
		assert.Empty(t, NewTextAsserter(t).Diff("ID    NAME  \nCA-1  Rosa\n", "ID    NAME\nCA-1  Rosa"))
	})

	t.Run("trailing whitespace reported when strict", func(t *testing.T) {
		diff := NewTextAsserter(t).
			WithOptions(WithIgnoreTrailingWhitespace(false), WithTrimSpace(false)).
			Diff("a \n", "a\n")
		assert.NotEmpty(t, diff)
	})

	t.Run("empty lines", func(t *testing.T) {
		ta := NewTextAsserter(t).WithOptions(WithIgnoreEmptyLines(true))
		assert.Empty(t, ta.Diff("a\n\nb", "a\nb"))
	})

	t.Run("unified diff", func(t *testing.T) {
		diff := NewTextAsserter(t).Diff("CA-1 online", "CA-1 offline")
		assert.Contains(t, diff, "--- expected")
		assert.Contains(t, diff, "+++ actual")
		assert.Contains(t, diff, "-CA-1 offline")
		assert.Contains(t, diff, "+CA-1 online")
	})

	t.Run("colored diff shows whitespace", func(t *testing.T) {
		diff := NewTextAsserter(t).WithOptions(WithEnableColors(true)).Diff("a b", "a\tb")
		assert.Contains(t, diff, "a·b")
		assert.Contains(t, diff, "a→b")
		assert.True(t, strings.Contains(diff, "\x1b["), "ansi escape expected")
	})
}

func TestTextAsserter_Assert(t *testing.T) {
	rt := &recordingT{}
	NewTextAsserter(rt).Assert("x", "y")
	assert.Len(t, rt.messages, 1)

	rt = &recordingT{}
	NewTextAsserter(rt).Assert("same\n", "same")
	assert.Empty(t, rt.messages)
}
