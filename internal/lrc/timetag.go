package lrc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errBadTime = errors.New("bad time tag")

// Tags beyond 100 hours are rejected rather than risk overflowing centiseconds.
const (
	maxHours   = 99
	maxMinutes = maxHours*60 + 59
)

// parseTime converts an LRC time tag body into centiseconds. Accepted spellings:
// mm:ss, mm:ss.x, mm:ss.xx, mm:ss.xxx, mm:ss:xx and hh:mm:ss.xx. Sub-centisecond
// precision is truncated.
func parseTime(tag string) (int64, error) {
	parts := strings.Split(tag, ":")
	var hours, minutes int64
	var secPart, frac string
	switch len(parts) {
	case 2:
		secPart, frac = splitFrac(parts[1])
		m, err := parseDigits(parts[0])
		if err != nil {
			return 0, err
		}
		minutes = m
	case 3:
		if strings.Contains(parts[2], ".") {
			h, err := parseDigits(parts[0])
			if err != nil {
				return 0, err
			}
			m, err := parseDigits(parts[1])
			if err != nil {
				return 0, err
			}
			if m >= 60 {
				return 0, fmt.Errorf("%w: minutes %d", errBadTime, m)
			}
			if h > maxHours {
				return 0, fmt.Errorf("%w: hours %d", errBadTime, h)
			}
			hours, minutes = h, m
			secPart, frac = splitFrac(parts[2])
		} else {
			m, err := parseDigits(parts[0])
			if err != nil {
				return 0, err
			}
			minutes = m
			secPart, frac = parts[1], parts[2]
			if frac == "" {
				return 0, fmt.Errorf("%w: empty fraction", errBadTime)
			}
		}
	default:
		return 0, fmt.Errorf("%w: %q", errBadTime, tag)
	}
	if minutes > maxMinutes {
		return 0, fmt.Errorf("%w: minutes %d", errBadTime, minutes)
	}

	seconds, err := parseDigits(secPart)
	if err != nil {
		return 0, err
	}
	if seconds >= 60 {
		return 0, fmt.Errorf("%w: seconds %d", errBadTime, seconds)
	}
	cs, err := parseFraction(frac)
	if err != nil {
		return 0, err
	}
	return ((hours*60+minutes)*60+seconds)*100 + cs, nil
}

func splitFrac(s string) (string, string) {
	whole, frac, found := strings.Cut(s, ".")
	if found && frac == "" {
		// "12." is tolerated as "12".
		return whole, ""
	}
	return whole, frac
}

func parseDigits(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty field", errBadTime)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", errBadTime, s)
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errBadTime, err)
	}
	return v, nil
}

// parseFraction reads up to two significant digits of a decimal fraction as
// centiseconds: "5" is 50, "05" is 5, "057" is 5.
func parseFraction(frac string) (int64, error) {
	if frac == "" {
		return 0, nil
	}
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: fraction %q", errBadTime, frac)
		}
	}
	switch len(frac) {
	case 1:
		frac += "0"
	default:
		frac = frac[:2]
	}
	v, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errBadTime, err)
	}
	return v, nil
}

// FormatTime renders centiseconds as an LRC mm:ss.xx tag body.
func FormatTime(cs int64) string {
	if cs < 0 {
		cs = 0
	}
	minutes := cs / 6000
	seconds := (cs / 100) % 60
	return fmt.Sprintf("%02d:%02d.%02d", minutes, seconds, cs%100)
}
