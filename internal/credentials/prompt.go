package credentials

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PromptPasscode returns MISSION_PASSCODE if set, otherwise asks on the terminal
// without echoing. When stdin is not a terminal the first line of stdin is used.
func PromptPasscode(prompt string, confirm bool) (string, error) {
	if p := os.Getenv(EnvPasscode); p != "" {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(os.Stdin)
	}

	fmt.Fprint(os.Stderr, prompt)
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passcode: %w", err)
	}
	if len(first) == 0 {
		return "", fmt.Errorf("passcode must not be empty")
	}
	if !confirm {
		return string(first), nil
	}

	fmt.Fprint(os.Stderr, "Confirm passcode: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passcode: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passcodes do not match")
	}
	return string(first), nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read passcode: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("passcode must not be empty")
	}
	return line, nil
}
