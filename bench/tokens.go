package bench

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// WaitForToken reads serial lines until one matches want exactly, ignoring
// everything else (echoes, boot chatter). Returns false when the timeout
// passes first. Serial read timeouts surface as EOF and keep the wait
// alive; the deadline is what ends it.
func WaitForToken(ctx context.Context, r *bufio.Reader, want string, timeout time.Duration) (bool, error) {
	want = strings.TrimSpace(want)
	deadline := time.Now().Add(timeout)
	var partial strings.Builder

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		chunk, err := r.ReadString('\n')
		partial.WriteString(chunk)
		if err != nil {
			if errors.Is(err, io.EOF) {
				continue
			}
			return false, fmt.Errorf("reading token line: %w", err)
		}
		line := strings.TrimSpace(partial.String())
		partial.Reset()
		if line == want {
			return true, nil
		}
	}
	return false, nil
}
