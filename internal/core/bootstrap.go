package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// bootstrapFiles are seeded into a fresh data directory. The core treats
// their contents as opaque text.
var bootstrapFiles = map[string]string{
	"IDENTITY.md": "# Identity\n\nYou are OrcBot, an autonomous assistant. Edit this file to shape who you are.\n",
	"SOUL.md":     "# Soul\n\nValues and tone. Be useful, be honest, do not spam the user.\n",
	"AGENTS.md":   "# Agents\n\nNotes about delegation workers and how to use them.\n",
	"TOOLS.md":    "# Tools\n\nNotes about available skills and when to reach for them.\n",
	"USER.md":     "# User\n\nWhat you have learned about the user. Keep it current.\n",
	"JOURNAL.md":  "# Journal\n",
	"LEARNING.md": "# Learning\n",
}

// Bootstrap seeds the data directory with the initial Markdown files.
// Existing files are never touched.
func Bootstrap(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	for name, content := range bootstrapFiles {
		path := filepath.Join(dataDir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}
	return nil
}

// appendDated appends a dated section to one of the bootstrap files.
func appendDated(dataDir, name, entry string) error {
	path := filepath.Join(dataDir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "\n## %s\n%s\n", time.Now().Format("2006-01-02 15:04"), entry); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}
