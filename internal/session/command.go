package session

import "strings"

// sanitizeID strips every character outside [A-Za-z0-9_-] from a client
// supplied server id. Stripping rather than replacing keeps ids stable for
// clients that already send clean values.
func sanitizeID(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// cleanCommand reduces a console command to printable ASCII with quote
// characters removed. An empty result means the command is a no-op.
func cleanCommand(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r < 0x20 || r > 0x7e {
			continue
		}
		if r == '"' || r == '\'' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
