// Package opprovider resolves credential template references with the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/shery7378/multifront-sub002/credentials"
)

// Binary is the 1Password CLI executable looked up on PATH.
var Binary = "op"

// WithOnePassword registers an "op" template function, so a template can
// write {{ op "op://vault/storefront/api-token" | json }}.
func WithOnePassword() credentials.ResolverOption {
	return credentials.WithProvider("op", read)
}

func read(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "op://") {
		return "", fmt.Errorf("op reference must start with op://: %q", ref)
	}
	cmd := exec.CommandContext(ctx, Binary, "read", "--no-newline", ref)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
