package detect

import (
	"testing"
	"time"
)

func TestMatchBanner(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		ok      bool
		key     byte
		timeout time.Duration
	}{
		{"prompt", "press 'w' within 5 seconds to enter the loader menu\r\n", true, 'w', 5 * time.Second},
		{"noise before", "\x00\xff\r\npress 'm' within 12 seconds to enter the loader menu\r\n", true, 'm', 12 * time.Second},
		{"menu only", "[1] Erase execution region\r\n", false, 0, 0},
		{"truncated", "press 'w' within", false, 0, 0},
		{"empty", "", false, 0, 0},
	}

	for _, tc := range tests {
		res, ok := matchBanner([]byte(tc.data))
		if ok != tc.ok {
			t.Errorf("matchBanner(%s) ok = %v, want %v", tc.name, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		if res.Key != tc.key || res.Timeout != tc.timeout {
			t.Errorf("matchBanner(%s) = %q %v, want %q %v", tc.name, res.Key, res.Timeout, tc.key, tc.timeout)
		}
	}
}
