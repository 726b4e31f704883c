package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rescale/mission-int/internal/util/sanitize"
)

// prompter reads answers to interactive questions line by line.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) readLine() (string, error) {
	input, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	if err == io.EOF && input == "" {
		return "", io.ErrUnexpectedEOF
	}
	return strings.TrimSpace(input), nil
}

// value asks for a string, returning def on an empty answer.
func (p *prompter) value(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	input, err := p.readLine()
	if err != nil {
		return "", err
	}
	input = sanitize.SanitizeField(input)
	if input == "" {
		return def, nil
	}
	return input, nil
}

// required asks until a non-empty answer is given.
func (p *prompter) required(label string) (string, error) {
	for {
		v, err := p.value(label, "")
		if err != nil {
			return "", err
		}
		if v != "" {
			return v, nil
		}
		fmt.Fprintf(p.out, "  Error: %s is required\n", label)
	}
}

// integer asks for a whole number of at least min.
func (p *prompter) integer(label string, def, min int) (int, error) {
	for {
		v, err := p.value(label, strconv.Itoa(def))
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(v)
		if err == nil && n >= min {
			return n, nil
		}
		fmt.Fprintf(p.out, "  Error: enter a whole number of at least %d\n", min)
	}
}

// confirm asks a yes/no question. Anything but y or yes is no.
func (p *prompter) confirm(question string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N]: ", question)
	input, err := p.readLine()
	if err != nil {
		return false, err
	}
	input = strings.ToLower(input)
	return input == "y" || input == "yes", nil
}
