package backends

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Device is a placement tag in the "<type>" or "<type>:<index>" form, e.g.
// "cpu", "cuda" or "cuda:1". A missing index means index 0, so "cuda" and
// "cuda:0" compare equal.
type Device string

// ParseDevice validates and normalizes a device string.
func ParseDevice(s string) (Device, error) {
	d := Device(s)
	if d.Type() == "" {
		return "", errors.Errorf("invalid device %q: empty device type", s)
	}
	if idx := strings.Index(s, ":"); idx != -1 {
		n, err := strconv.Atoi(s[idx+1:])
		if err != nil || n < 0 {
			return "", errors.Errorf("invalid device %q: bad device index", s)
		}
	}
	return d, nil
}

// Type returns the device type, e.g. "cuda" for "cuda:1".
func (d Device) Type() string {
	s := string(d)
	if idx := strings.Index(s, ":"); idx != -1 {
		return s[:idx]
	}
	return s
}

// Index returns the device index, defaulting to 0 when not given. A
// malformed index (rejected by ParseDevice) returns -1, which no valid
// device ever compares equal to.
func (d Device) Index() int {
	s := string(d)
	idx := strings.Index(s, ":")
	if idx == -1 {
		return 0
	}
	n, err := strconv.Atoi(s[idx+1:])
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Equal reports whether both tags refer to the same device: same type and
// same index, with the index defaulting to 0 on either side.
func (d Device) Equal(other Device) bool {
	return d.Type() == other.Type() && d.Index() == other.Index()
}

func (d Device) String() string { return string(d) }
