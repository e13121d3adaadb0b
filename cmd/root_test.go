package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/autherr"
)

func TestGetExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"generic error", errors.New("boom"), ExitCodeError},
		{"auth required", autherr.New(autherr.KindAuthRequired, "status", "no session"), ExitCodeAuthRequired},
		{"auth expired", autherr.New(autherr.KindAuthExpired, "refresh", "rejected"), ExitCodeAuthFailed},
		{"network", autherr.New(autherr.KindNetwork, "refresh", "unreachable"), ExitCodeError},
		{"wrapped auth required", fmt.Errorf("status: %w", autherr.New(autherr.KindAuthRequired, "status", "no session")), ExitCodeAuthRequired},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := getExitCode(tc.err); got != tc.want {
				t.Errorf("getExitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
