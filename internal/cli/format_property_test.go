package cli

import (
	"math"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

// For any amount, FormatPnL must keep the sign readable: gains carry an
// explicit +, losses a -, and the rupee value must survive a parse back
// within rounding.
func TestFormatPnLProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("sign prefix matches the amount", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatPnL(amount)
			switch {
			case amount > 0:
				return strings.HasPrefix(formatted, "+₹")
			case amount < 0:
				return strings.HasPrefix(formatted, "-₹")
			default:
				return formatted == "₹0.00"
			}
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.Property("value survives a round trip", prop.ForAll(
		func(amount float64) bool {
			formatted := strings.TrimPrefix(FormatPnL(amount), "+")
			parsed := parseRupees(formatted)

			rounded := math.Round(amount*100) / 100
			if math.Abs(parsed-rounded) > 0.01 {
				t.Logf("value not preserved: original=%f, formatted=%s, parsed=%f", amount, formatted, parsed)
				return false
			}
			return true
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.Property("FormatPercent signs gains and keeps the suffix", prop.ForAll(
		func(value float64) bool {
			formatted := FormatPercent(value)
			if !strings.HasSuffix(formatted, "%") {
				return false
			}
			if value > 0 && !strings.HasPrefix(formatted, "+") {
				return false
			}
			return true
		},
		gen.Float64Range(-100, 100),
	))

	properties.TestingRun(t)
}

// Padding and truncation feed fixed-width tables; the invariants are
// about resulting widths, not content.
func TestPaddingProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("PadRight reaches the requested width", prop.ForAll(
		func(s string, width int) bool {
			padded := PadRight(s, width)
			if len(s) >= width {
				return padded == s
			}
			return len(padded) == width && strings.HasPrefix(padded, s)
		},
		gen.AlphaString(),
		gen.IntRange(0, 40),
	))

	properties.Property("PadLeft reaches the requested width", prop.ForAll(
		func(s string, width int) bool {
			padded := PadLeft(s, width)
			if len(s) >= width {
				return padded == s
			}
			return len(padded) == width && strings.HasSuffix(padded, s)
		},
		gen.AlphaString(),
		gen.IntRange(0, 40),
	))

	properties.Property("TruncateString never exceeds the limit", prop.ForAll(
		func(s string, maxLen int) bool {
			truncated := TruncateString(s, maxLen)
			if len(s) <= maxLen {
				return truncated == s
			}
			return len(truncated) == maxLen
		},
		gen.AlphaString(),
		gen.IntRange(0, 60),
	))

	properties.TestingRun(t)
}

func TestFormatDurationBands(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	secondsPattern := regexp.MustCompile(`^\d+s$`)
	minutesPattern := regexp.MustCompile(`^\d+m \d+s$`)
	hoursPattern := regexp.MustCompile(`^\d+h \d+m$`)
	daysPattern := regexp.MustCompile(`^\d+d \d+h$`)

	properties.Property("each band uses its units", prop.ForAll(
		func(seconds int) bool {
			d := time.Duration(seconds) * time.Second
			formatted := FormatDuration(d)
			switch {
			case d < time.Minute:
				return secondsPattern.MatchString(formatted)
			case d < time.Hour:
				return minutesPattern.MatchString(formatted)
			case d < 24*time.Hour:
				return hoursPattern.MatchString(formatted)
			default:
				return daysPattern.MatchString(formatted)
			}
		},
		gen.IntRange(0, 3*86400),
	))

	properties.TestingRun(t)
}

// parseRupees parses a formatted rupee string back to float64.
func parseRupees(s string) float64 {
	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	s = strings.TrimPrefix(s, "₹")
	s = strings.ReplaceAll(s, ",", "")

	var parsed float64
	for i, c := range s {
		if c == '.' {
			decPart := s[i+1:]
			for j, d := range decPart {
				if d >= '0' && d <= '9' {
					parsed += float64(d-'0') / math.Pow(10, float64(j+1))
				}
			}
			break
		}
		if c >= '0' && c <= '9' {
			parsed = parsed*10 + float64(c-'0')
		}
	}

	if negative {
		parsed = -parsed
	}
	return parsed
}

func TestFormatPnLExamples(t *testing.T) {
	assert.Equal(t, "+₹262.50", FormatPnL(262.50))
	assert.Equal(t, "-₹140.40", FormatPnL(-140.40))
	assert.Equal(t, "₹0.00", FormatPnL(0))
	assert.Equal(t, "+₹12,34,567.89", FormatPnL(1234567.89))
}

func TestFormatPercentExamples(t *testing.T) {
	testCases := []struct {
		value    float64
		expected string
	}{
		{0, "0.00%"},
		{1.5, "+1.50%"},
		{-2.5, "-2.50%"},
		{100, "+100.00%"},
		{-100, "-100.00%"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, FormatPercent(tc.value))
		})
	}
}

func TestFormatDurationExamples(t *testing.T) {
	assert.Equal(t, "42s", FormatDuration(42*time.Second))
	assert.Equal(t, "1m 30s", FormatDuration(90*time.Second))
	assert.Equal(t, "2h 5m", FormatDuration(2*time.Hour+5*time.Minute))
	assert.Equal(t, "1d 2h", FormatDuration(26*time.Hour))
}

func TestFormatRiskRewardExamples(t *testing.T) {
	assert.Equal(t, "1:2.33", FormatRiskReward(2.3333))
	assert.Equal(t, "1:0.50", FormatRiskReward(0.5))
}

func TestFormatTimeUsesIST(t *testing.T) {
	// 05:05:02 UTC is 10:35:02 in Asia/Kolkata.
	ts := time.Date(2026, 8, 21, 5, 5, 2, 0, time.UTC)
	assert.Equal(t, "10:35:02", FormatTime(ts))
}

func TestTruncateStringExamples(t *testing.T) {
	assert.Equal(t, "RELIANCE ...", TruncateString("RELIANCE INDUSTRIES", 12))
	assert.Equal(t, "TCS", TruncateString("TCS", 12))
	assert.Equal(t, "abc", TruncateString("abcdef", 3))
}
