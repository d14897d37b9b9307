// Package utils provides shared utility functions for vfio-broker.
package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// SanitizeName replaces characters that are unsafe for CDI names and file names
// (colons, slashes, dots) with hyphens.
func SanitizeName(s string) string {
	r := strings.NewReplacer(
		":", "-",
		"/", "-",
		".", "-",
	)
	return r.Replace(s)
}

// ParseHexID parses a 16-bit PCI id as found in sysfs or config files
// ("0x10ee", "10ee"). Surrounding whitespace is ignored.
func ParseHexID(s string) (uint16, error) {
	v := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if v == "" {
		return 0, fmt.Errorf("empty PCI id")
	}
	n, err := strconv.ParseUint(v, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid PCI id %q: %w", s, err)
	}
	return uint16(n), nil
}
