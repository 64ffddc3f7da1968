package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	timesDailyRe = regexp.MustCompile(`^(\d+)\s*(?:x|times)\s*daily$`)
	everyHoursRe = regexp.MustCompile(`^every\s+(\d+)\s*hours?$`)
)

// ParseFrequency 解析给药频率描述为给药间隔
// 支持 "once daily"、"twice daily"、"three times daily"、"Nx daily"、
// "N times daily"、"every N hours"、"weekly"
func ParseFrequency(freq string) (time.Duration, error) {
	normalized := strings.ToLower(strings.TrimSpace(freq))

	switch normalized {
	case "once daily", "daily":
		return 24 * time.Hour, nil
	case "twice daily":
		return 12 * time.Hour, nil
	case "three times daily":
		return 8 * time.Hour, nil
	case "four times daily":
		return 6 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}

	if m := timesDailyRe.FindStringSubmatch(normalized); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > 24 {
			return 0, fmt.Errorf("invalid dose count in frequency %q", freq)
		}
		return 24 * time.Hour / time.Duration(n), nil
	}

	if m := everyHoursRe.FindStringSubmatch(normalized); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return 0, fmt.Errorf("invalid hour count in frequency %q", freq)
		}
		return time.Duration(n) * time.Hour, nil
	}

	return 0, fmt.Errorf("unrecognized frequency %q", freq)
}
