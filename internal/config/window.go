package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var shorthandRe = regexp.MustCompile(`^(\d+)\s*([dw])$`)

var parser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseWindow turns a quick window setting into a look-back duration.
//
// Accepted forms, tried in order:
//
//	36h, 90m          Go durations
//	3d, 2w            days and weeks
//	3 days ago        natural language, resolved against now
//
// The empty string yields zero, which selects the orchestrator default.
func ParseWindow(s string, now time.Time) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("quick window %q must be positive", s)
		}
		return d, nil
	}

	if m := shorthandRe.FindStringSubmatch(strings.ToLower(s)); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("quick window %q must be positive", s)
		}
		day := 24 * time.Hour
		if m[2] == "w" {
			day *= 7
		}
		return time.Duration(n) * day, nil
	}

	r, err := parser.Parse(s, now)
	if err != nil {
		return 0, fmt.Errorf("failed to parse quick window %q: %w", s, err)
	}
	if r == nil {
		return 0, fmt.Errorf("unrecognised quick window %q", s)
	}
	if !r.Time.Before(now) {
		return 0, fmt.Errorf("quick window %q must point to the past", s)
	}
	return now.Sub(r.Time), nil
}
