package profile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// CancelInput typed at any prompt abandons the form
const CancelInput = "/cancel"

// PromptCapturer asks for the profile line by line on a terminal.
// Invalid answers re-prompt the whole form with the previous values as defaults.
// EOF or CancelInput cancels; ctx ending interrupts a prompt waiting for input.
type PromptCapturer struct {
	in     *LineReader
	out    io.Writer
	now    func() time.Time
	logger *logrus.Logger
}

// NewPromptCapturer creates a capturer reading answers from in and writing prompts to out.
func NewPromptCapturer(in *LineReader, out io.Writer, logger *logrus.Logger) *PromptCapturer {
	if logger == nil {
		logger = logrus.New()
	}
	return &PromptCapturer{
		in:     in,
		out:    out,
		now:    time.Now,
		logger: logger,
	}
}

var errCancelled = errors.New("cancelled")

func (p *PromptCapturer) Capture(ctx context.Context, initial *Adult) (*Adult, error) {
	current := Adult{}
	if initial != nil {
		current = initial.Normalized()
	}

	_, _ = fmt.Fprintln(p.out, color.New(color.Bold).Sprint("Adult profile"), "(type /cancel to abort)")

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		a, err := p.fill(ctx, current)
		if errors.Is(err, errCancelled) {
			p.logger.Debug("Profile capture cancelled")
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		if verr := a.Validate(p.now()); verr != nil {
			_, _ = fmt.Fprintln(p.out, color.RedString("Invalid profile: %v", verr))
			current = a
			continue
		}
		return &a, nil
	}
}

func (p *PromptCapturer) fill(ctx context.Context, current Adult) (Adult, error) {
	name, err := p.ask(ctx, "Name", current.Name, true)
	if err != nil {
		return current, err
	}
	current.Name = name

	for {
		raw, err := p.ask(ctx, "Birth date (YYYY-MM-DD)", current.BirthDateString(), false)
		if err != nil {
			return current, err
		}
		bd, perr := ParseBirthDate(raw)
		if perr != nil {
			_, _ = fmt.Fprintln(p.out, color.RedString("%v", perr))
			continue
		}
		current.BirthDate = bd
		break
	}

	addr, err := p.ask(ctx, "Address", current.Address, false)
	if err != nil {
		return current, err
	}
	current.Address = addr
	return current.Normalized(), nil
}

// ask prints a prompt and returns the answer, or def when the answer is empty.
func (p *PromptCapturer) ask(ctx context.Context, label, def string, required bool) (string, error) {
	switch {
	case def != "":
		_, _ = fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	case required:
		_, _ = fmt.Fprintf(p.out, "%s: ", label)
	default:
		_, _ = fmt.Fprintf(p.out, "%s (optional): ", label)
	}

	line, err := p.in.ReadLine(ctx)
	if ctx.Err() != nil {
		_, _ = fmt.Fprintln(p.out)
		return "", ctx.Err()
	}
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", errCancelled
		}
		return "", err
	}

	answer := strings.TrimSpace(line)
	if answer == CancelInput {
		return "", errCancelled
	}
	if answer == "" {
		return def, nil
	}
	return answer, nil
}
