package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Normola/AudioPirate/internal/auth"
)

func newHashPasswordCmd() *cobra.Command {
	var (
		useArgon   bool
		iterations int
	)
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print an encoded hash for auth.password_hash",
		Long: `Encodes a password for the auth.password_hash setting so the plaintext
never has to appear in configuration. The password is read from standard input
when it is not given as an argument.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := passwordInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			var encoded string
			if useArgon {
				encoded, err = auth.HashPasswordArgon2id(password)
			} else {
				encoded, err = auth.HashPassword(password, iterations)
			}
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return err
		},
	}
	cmd.Flags().BoolVar(&useArgon, "argon2id", false, "encode with argon2id instead of PBKDF2-SHA256")
	cmd.Flags().IntVar(&iterations, "iterations", auth.DefaultPasswordIterations, "PBKDF2 iteration count")
	return cmd
}

func passwordInput(in io.Reader, args []string) (string, error) {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	if len(password) > auth.MaxCredentialLength {
		return "", fmt.Errorf("password exceeds %d bytes", auth.MaxCredentialLength)
	}
	return password, nil
}
