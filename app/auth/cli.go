package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/personal-tiny-cloud/tcloud/app/totp"
)

// CreateUserPrompt interactively creates an account from the terminal,
// backing the --create-user flag. It prompts for username, password (hidden,
// confirmed) and admin status, then prints the TOTP enrolment URL or writes
// the QR code image into a chosen directory.
func (s *Service) CreateUserPrompt(ctx context.Context) error {
	in := bufio.NewScanner(os.Stdin)

	username, err := readLine(in, "User: ")
	if err != nil {
		return err
	}

	password, err := promptPassword()
	if err != nil {
		return err
	}

	admin, err := readLine(in, "Make user admin? [y/n] ")
	if err != nil {
		return err
	}
	isAdmin := strings.EqualFold(admin, "y")

	key, err := s.AddUser(ctx, username, password, isAdmin)
	if err != nil {
		return err
	}
	role := "user"
	if isAdmin {
		role = "admin"
	}
	fmt.Printf("added %s %q\n", role, username)

	dir, err := readLine(in, "Directory for the TOTP QR code image (png), leave empty to print the URL: ")
	if err != nil {
		return err
	}
	if dir == "" {
		fmt.Println(key.URL())
		return nil
	}

	img, err := totp.QRPNG(key, 512)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, username+"-totp-qr.png")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // operator-chosen output path
	if err != nil {
		return fmt.Errorf("failed to create qr image: %w", err)
	}
	if _, err := f.Write(img); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write qr image: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write qr image: %w", err)
	}
	fmt.Printf("QR code image written to %s\n", path)
	return nil
}

func readLine(in *bufio.Scanner, label string) (string, error) {
	fmt.Print(label)
	if !in.Scan() {
		if err := in.Err(); err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return "", io.ErrUnexpectedEOF
	}
	return strings.TrimSpace(in.Text()), nil
}

func promptPassword() (string, error) {
	fmt.Print("Password: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Print("Confirm password: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password confirmation: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}
