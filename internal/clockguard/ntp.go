package clockguard

import (
	"context"
	"time"

	"github.com/beevik/ntp"
)

// NTPSource measures clock offset via NTP. The returned offset follows the
// guard's convention: positive means the local clock runs ahead of the
// reference.
type NTPSource struct {
	timeout time.Duration
}

func NewNTPSource(timeout time.Duration) *NTPSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NTPSource{timeout: timeout}
}

func (s *NTPSource) Offset(ctx context.Context, server string) (time.Duration, error) {
	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	// ntp reports reference - local; the guard wants local - reference.
	return -resp.ClockOffset, nil
}
