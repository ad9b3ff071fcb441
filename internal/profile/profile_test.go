package profile

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func date(s string) *time.Time {
	t, err := time.Parse(BirthDateLayout, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestAdultValidate(t *testing.T) {
	tests := []struct {
		name    string
		adult   Adult
		wantErr error
	}{
		{"name only", Adult{Name: "Rosa"}, nil},
		{"blank name", Adult{Name: "   "}, ErrNameRequired},
		{"birth date today", Adult{Name: "Rosa", BirthDate: date("2026-03-10")}, nil},
		{"birth date in the past", Adult{Name: "Rosa", BirthDate: date("1940-05-01")}, nil},
		{"birth date tomorrow", Adult{Name: "Rosa", BirthDate: date("2026-03-11")}, ErrBirthDateInFuture},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.adult.Validate(now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseBirthDate(t *testing.T) {
	bd, err := ParseBirthDate("")
	require.NoError(t, err)
	assert.Nil(t, bd)

	bd, err = ParseBirthDate(" 1945-07-21 ")
	require.NoError(t, err)
	assert.Equal(t, "1945-07-21", bd.Format(BirthDateLayout))

	bd, err = ParseBirthDate("1945-07-21T00:00:00.000Z")
	require.NoError(t, err)
	assert.Equal(t, "1945-07-21", Adult{BirthDate: bd}.BirthDateString())

	_, err = ParseBirthDate("21/07/1945")
	assert.ErrorIs(t, err, ErrInvalidBirthDate)
}

func TestStaticCapturer(t *testing.T) {
	a, err := StaticCapturer{Adult: &Adult{Name: "  Rosa  ", Address: " Calle 1 "}}.Capture(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, &Adult{Name: "Rosa", Address: "Calle 1"}, a)

	a, err = StaticCapturer{}.Capture(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, a, "nil profile is a cancel")
}

func newPrompt(input string) (*PromptCapturer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	p := NewPromptCapturer(NewLineReader(strings.NewReader(input)), out, nil)
	p.now = func() time.Time { return now }
	return p, out
}

func TestPromptCapturer(t *testing.T) {
	t.Run("full form", func(t *testing.T) {
		p, out := newPrompt("Rosa Díaz\n1940-02-03\nAv. Siempre Viva 742\n")
		a, err := p.Capture(context.Background(), nil)
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, "Rosa Díaz", a.Name)
		assert.Equal(t, "1940-02-03", a.BirthDateString())
		assert.Equal(t, "Av. Siempre Viva 742", a.Address)
		assert.Contains(t, out.String(), "Birth date (YYYY-MM-DD) (optional): ")
	})

	t.Run("optional fields default to empty", func(t *testing.T) {
		p, _ := newPrompt("Rosa\n\n\n")
		a, err := p.Capture(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, &Adult{Name: "Rosa"}, a)
	})

	t.Run("initial values are kept on empty answers", func(t *testing.T) {
		p, _ := newPrompt("\n\n\n")
		a, err := p.Capture(context.Background(), &Adult{Name: "Rosa", BirthDate: date("1940-02-03")})
		require.NoError(t, err)
		assert.Equal(t, "Rosa", a.Name)
		assert.Equal(t, "1940-02-03", a.BirthDateString())
	})

	t.Run("blank name re-prompts", func(t *testing.T) {
		p, out := newPrompt("   \n\n\nRosa\n\n\n")
		a, err := p.Capture(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "Rosa", a.Name)
		assert.Contains(t, out.String(), ErrNameRequired.Error())
	})

	t.Run("future birth date re-prompts", func(t *testing.T) {
		p, out := newPrompt("Rosa\n2030-01-01\n\n\n1940-01-01\n\n")
		a, err := p.Capture(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "1940-01-01", a.BirthDateString())
		assert.Contains(t, out.String(), "future")
	})

	t.Run("malformed birth date asks again", func(t *testing.T) {
		p, _ := newPrompt("Rosa\nyesterday\n1950-06-30\n\n")
		a, err := p.Capture(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "1950-06-30", a.BirthDateString())
	})

	t.Run("cancel keyword", func(t *testing.T) {
		p, _ := newPrompt("Rosa\n/cancel\n")
		a, err := p.Capture(context.Background(), nil)
		assert.NoError(t, err)
		assert.Nil(t, a)
	})

	t.Run("EOF cancels", func(t *testing.T) {
		p, _ := newPrompt("")
		a, err := p.Capture(context.Background(), nil)
		assert.NoError(t, err)
		assert.Nil(t, a)
	})

	t.Run("last line without newline", func(t *testing.T) {
		p, _ := newPrompt("Rosa\n\nCalle 1")
		a, err := p.Capture(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "Calle 1", a.Address)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p, _ := newPrompt("Rosa\n\n\n")
		_, err := p.Capture(ctx, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("cancelled while waiting for an answer", func(t *testing.T) {
		r, w := io.Pipe()
		defer w.Close()
		p := NewPromptCapturer(NewLineReader(r), io.Discard, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := p.Capture(ctx, nil)
			done <- err
		}()

		_, err := w.Write([]byte("Rosa\n"))
		require.NoError(t, err)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("Capture kept waiting for input after its context ended")
		}
	})
}

func TestLineReader(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	lines := NewLineReader(r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := lines.ReadLine(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() { _, _ = w.Write([]byte("late answer\n")) }()
	line, err := lines.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late answer\n", line, "a line read for an abandoned prompt goes to the next one")

	_ = w.Close()
	_, err = lines.ReadLine(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
