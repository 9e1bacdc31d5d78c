package app

import (
	"errors"
	"strings"

	intrnl "flatchat/internal"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if strings.TrimSpace(cfg.Username) == "" {
		return errors.New("username is required (--user or FLATCHAT_USER)")
	}
	return intrnl.RunClient(intrnl.ClientOptions{
		ServerURL:     cfg.ServerURL,
		Username:      strings.TrimSpace(cfg.Username),
		TypingTimeout: cfg.TypingTimeout,
	})
}
