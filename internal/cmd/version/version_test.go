package version

import (
	"testing"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name    string
		version string
		commit  string
		want    string
	}{
		{
			name:    "version only",
			version: "1.2.3",
			want:    "krypton version 1.2.3\n",
		},
		{
			name:    "version with commit",
			version: "1.2.3",
			commit:  "4f9c2aa",
			want:    "krypton version 1.2.3 (4f9c2aa)\n",
		},
		{
			name:    "dev build hides the none commit",
			version: "dev",
			commit:  "none",
			want:    "krypton version dev\n",
		},
		{
			name:    "v prefix stripped",
			version: "v2.0.0",
			want:    "krypton version 2.0.0\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(tt.version, tt.commit)
			if got != tt.want {
				t.Errorf("Format(%q, %q) = %q, want %q", tt.version, tt.commit, got, tt.want)
			}
		})
	}
}
