// Command hashpw reads a password from stdin and prints its bcrypt hash for
// seeding accounts.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"impactsurvey.org/internal/auth"
)

func main() {
	var (
		cost  = flag.Int("cost", auth.DefaultBcryptCost, "bcrypt cost factor")
		force = flag.Bool("force", false, "hash passwords that fail the strength policy")
	)
	flag.Parse()

	hash, err := run(os.Stdin, os.Stderr, *cost, *force)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hashpw:", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func run(in io.Reader, warn io.Writer, cost int, force bool) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password on stdin")
	}

	report := auth.CheckStrength(password)
	if !report.Valid {
		if !force {
			return "", fmt.Errorf("weak password (score %d): %s", report.Score, strings.Join(report.Errors, "; "))
		}
		fmt.Fprintf(warn, "warning: weak password accepted with -force (score %d)\n", report.Score)
	}
	return auth.NewPasswordHasher(cost).Hash(password)
}
