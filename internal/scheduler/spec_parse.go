package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrDisabled is returned by ParseSchedule for "off".
var ErrDisabled = errors.New("schedule disabled")

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// specParser allows both 5-field and 6-field (with seconds) cron specs.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether raw would be accepted by Add. "off" is
// valid.
func ValidateSchedule(raw string) error {
	spec, err := ParseSchedule(raw)
	if errors.Is(err, ErrDisabled) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, ok := everyOf(spec); ok {
		return nil
	}
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron %q: %w", spec, err)
	}
	return nil
}

// ParseSchedule normalizes a schedule string into a spec robfig/cron
// accepts. Supported forms:
//
//	"*/5 * * * *", "0 3 * * *", "@hourly"   cron
//	"@every 10m", "10m", "2h30m"           interval
//	"02:30"                                interval of 2h30m
//	"off", "none", "disabled"              ErrDisabled
func ParseSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "":
		return "", errors.New("schedule required")
	case "off", "none", "disabled":
		return "", ErrDisabled
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return s, nil
	}
	every, err := parseInterval(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
	}
	return "@every " + every.String(), nil
}

func parseInterval(s string) (time.Duration, error) {
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", s)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, err
		}
	}
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}

// everyOf returns the interval of an "@every" spec.
func everyOf(spec string) (time.Duration, bool) {
	rest, ok := strings.CutPrefix(spec, "@every ")
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(strings.TrimSpace(rest))
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
