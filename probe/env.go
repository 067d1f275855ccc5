package probe

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Env is the slice of the host the probe looks at. Tests supply a fake.
type Env interface {
	LookPath(file string) (string, error)
	// Run executes a command and returns its trimmed stdout.
	Run(ctx context.Context, name string, args ...string) (string, error)
	Stat(name string) (fs.FileInfo, error)
	// ReadDir returns at most n entries of a directory; n <= 0 means all.
	ReadDir(name string, n int) ([]fs.DirEntry, error)
	// Access checks that the effective user may list and traverse a directory.
	Access(name string) error
	Getenv(key string) string
	Geteuid() int
	UserHomeDir() (string, error)
}

// commandTimeout bounds each `info` query so a hung daemon cannot stall the probe.
const commandTimeout = 5 * time.Second

// HostEnv is the real operating system.
type HostEnv struct{}

func (HostEnv) LookPath(file string) (string, error) { return exec.LookPath(file) }

func (HostEnv) Run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", err
		}
		return "", fmt.Errorf("%w: %s", err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (HostEnv) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }

func (HostEnv) ReadDir(name string, n int) ([]fs.DirEntry, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.ReadDir(n)
}

func (HostEnv) Getenv(key string) string { return os.Getenv(key) }

func (HostEnv) Geteuid() int { return os.Geteuid() }

func (HostEnv) UserHomeDir() (string, error) { return os.UserHomeDir() }
