package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd"
)

// seedInput holds the access key as the user supplies it, with dates in
// YYYY-MM-DD form.
type seedInput struct {
	Number     string
	BirthDate  string
	ExpiryDate string
}

// promptFunc asks for one value. hidden suppresses echo.
type promptFunc func(label string, hidden bool) (string, error)

// resolveSeed prompts for any missing value, converts the dates and
// validates the result.
func resolveSeed(in seedInput, prompt promptFunc) (mrtd.BACSeed, error) {
	fields := []struct {
		label  string
		hidden bool
		value  *string
	}{
		{"Document number", true, &in.Number},
		{"Date of birth (YYYY-MM-DD)", false, &in.BirthDate},
		{"Date of expiry (YYYY-MM-DD)", false, &in.ExpiryDate},
	}
	for _, f := range fields {
		if *f.value != "" {
			continue
		}
		if prompt == nil {
			return mrtd.BACSeed{}, fmt.Errorf("%s is required", strings.ToLower(f.label))
		}
		v, err := prompt(f.label, f.hidden)
		if err != nil {
			return mrtd.BACSeed{}, err
		}
		*f.value = strings.TrimSpace(v)
	}

	dob, err := mrtd.ConvertDate(in.BirthDate)
	if err != nil {
		return mrtd.BACSeed{}, fmt.Errorf("date of birth: %w", err)
	}
	doe, err := mrtd.ConvertDate(in.ExpiryDate)
	if err != nil {
		return mrtd.BACSeed{}, fmt.Errorf("date of expiry: %w", err)
	}
	return mrtd.NewBACSeed(in.Number, dob, doe)
}

// terminalPrompt reads from stdin. The document number is read without echo
// when stdin is a terminal.
func terminalPrompt(label string, hidden bool) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	fd := int(os.Stdin.Fd())
	if hidden && term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", label, err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	return line, nil
}
