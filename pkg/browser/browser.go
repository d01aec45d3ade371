// Package browser opens authorization URLs in the user's default browser.
package browser

import (
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
)

// launch starts cmd without waiting for it; replaced in tests.
var launch = func(cmd *exec.Cmd) error {
	return cmd.Start()
}

// Open opens rawURL in the default browser. Only http and https URLs are
// accepted.
func Open(rawURL string) error {
	if rawURL == "" {
		return errors.New("url cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url scheme %q", u.Scheme)
	}

	cmd, err := command(runtime.GOOS, rawURL)
	if err != nil {
		return err
	}
	if err := launch(cmd); err != nil {
		return fmt.Errorf("opening browser: %w", err)
	}
	return nil
}

func command(goos, rawURL string) (*exec.Cmd, error) {
	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		return exec.Command("xdg-open", rawURL), nil
	case "darwin":
		return exec.Command("open", rawURL), nil
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", rawURL), nil
	default:
		return nil, fmt.Errorf("unsupported platform: %s", goos)
	}
}
