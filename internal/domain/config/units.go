package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("250ms",
// "10s") in configuration files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ByteSize is a byte count with an optional binary unit suffix ("64MB",
// "512KB"). Units are powers of 1024.
type ByteSize int64

// Size units.
const (
	KB ByteSize = 1 << (10 * (iota + 1))
	MB
	GB
)

var sizeUnits = []struct {
	suffix string
	mult   ByteSize
}{
	{"GIB", GB}, {"MIB", MB}, {"KIB", KB},
	{"GB", GB}, {"MB", MB}, {"KB", KB},
	{"G", GB}, {"M", MB}, {"K", KB},
	{"B", 1},
}

// ParseByteSize parses a size such as "4096", "64MB" or "1_000".
func ParseByteSize(s string) (ByteSize, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	mult := ByteSize(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(norm, u.suffix) {
			norm = strings.TrimSpace(strings.TrimSuffix(norm, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseInt(norm, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > 0 && int64(mult) > (1<<63-1)/n {
		return 0, fmt.Errorf("invalid size %q: overflows", s)
	}
	return ByteSize(n) * mult, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b ByteSize) String() string {
	for _, u := range []struct {
		suffix string
		mult   ByteSize
	}{{"GB", GB}, {"MB", MB}, {"KB", KB}} {
		if b >= u.mult && b%u.mult == 0 {
			return strconv.FormatInt(int64(b/u.mult), 10) + u.suffix
		}
	}
	return strconv.FormatInt(int64(b), 10)
}
