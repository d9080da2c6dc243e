package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinel-intel/sentinel/internal/service"
)

func TestParseCron(t *testing.T) {
	cases := []struct {
		scenario string
		given    string
		then     time.Duration
		err      string
	}{
		{scenario: "every 15 minutes", given: "*/15 * * * *", then: 15 * time.Minute},
		{scenario: "macro hourly", given: "@hourly", then: time.Hour},
		{scenario: "macro every", given: "@every 6h", then: 6 * time.Hour},
		{scenario: "six fields", given: "0 */2 * * * *", err: "expected exactly 5 fields, found 6: [0 */2 * * * *]"},
		{scenario: "out of range", given: "* * 32 * *", err: "end of range (32) above maximum (31): 32"},
		{scenario: "empty", given: " ", err: "empty cron expression"},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := service.ParseCron(tc.given)
			if tc.err != "" {
				require.EqualError(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		scenario string
		given    string
		then     time.Duration
		fail     bool
	}{
		{scenario: "go duration", given: "6h", then: 6 * time.Hour},
		{scenario: "go duration compound", given: "1h30m", then: 90 * time.Minute},
		{scenario: "iso hours", given: "PT6H", then: 6 * time.Hour},
		{scenario: "iso days", given: "P1DT12H", then: 36 * time.Hour},
		{scenario: "iso fraction", given: "PT1.5S", then: 1500 * time.Millisecond},
		{scenario: "days", given: "1d12h", then: 36 * time.Hour},
		{scenario: "iso ambiguous month", given: "P2M", fail: true},
		{scenario: "iso dangling T", given: "P2DT", fail: true},
		{scenario: "zero", given: "0s", fail: true},
		{scenario: "negative", given: "-1h", fail: true},
		{scenario: "garbage", given: "often", fail: true},
		{scenario: "empty", given: "", fail: true},
		{scenario: "days overflow", given: "999999999999d", fail: true},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := service.ParseInterval(tc.given)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}
