package cache

import "testing"

func TestHashKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		a, b    string
		n       int
		wantLen int
		same    bool
	}{
		{"deterministic", "10.0.0.1", "10.0.0.1", 8, 16, true},
		{"last octet differs", "10.0.0.1", "10.0.0.2", 8, 16, false},
		{"IPv4 vs IPv6", "127.0.0.1", "::1", 8, 16, false},
		{"session ids", "01HZX0V5Q8-abc", "01HZX0V5Q8-abd", 16, 32, false},
		{"empty input", "", "", 16, 32, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a, b := hashKey(tt.a, tt.n), hashKey(tt.b, tt.n)
			if len(a) != tt.wantLen {
				t.Errorf("len(hashKey(%q, %d)) = %d, want %d", tt.a, tt.n, len(a), tt.wantLen)
			}
			if (a == b) != tt.same {
				t.Errorf("hashKey(%q) == hashKey(%q) is %v, want %v", tt.a, tt.b, a == b, tt.same)
			}
			if a == tt.a && tt.a != "" {
				t.Errorf("hashKey(%q) returned its input", tt.a)
			}
		})
	}
}
