// Package version handles release version arithmetic: parsing,
// ordering and computing the version of the next release on a train.
package version

import (
	"errors"
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Parse validates a release version string. A leading "v" is accepted
// and stripped.
func Parse(value string) (*goversion.Version, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "v")
	if value == "" {
		return nil, errors.New("version is empty")
	}
	v, err := goversion.NewVersion(value)
	if err != nil {
		return nil, fmt.Errorf("parse version %q: %w", value, err)
	}
	return v, nil
}

// Newer reports whether a is strictly newer than b.
func Newer(a, b string) (bool, error) {
	va, err := Parse(a)
	if err != nil {
		return false, err
	}
	vb, err := Parse(b)
	if err != nil {
		return false, err
	}
	return va.GreaterThan(vb), nil
}

// NextMinor bumps the minor segment and resets patch, the step between
// two regular releases of a train.
func NextMinor(value string) (string, error) {
	v, err := Parse(value)
	if err != nil {
		return "", err
	}
	segments := pad(v.Segments())
	return fmt.Sprintf("%d.%d.0", segments[0], segments[1]+1), nil
}

// NextPatch bumps the patch segment, the step for a hotfix release.
func NextPatch(value string) (string, error) {
	v, err := Parse(value)
	if err != nil {
		return "", err
	}
	segments := pad(v.Segments())
	return fmt.Sprintf("%d.%d.%d", segments[0], segments[1], segments[2]+1), nil
}

// Next computes the version following a previous release. An empty
// previous version falls back to the seed.
func Next(previous, seed string, hotfix bool) (string, error) {
	if strings.TrimSpace(previous) == "" {
		if _, err := Parse(seed); err != nil {
			return "", err
		}
		return strings.TrimSpace(seed), nil
	}
	if hotfix {
		return NextPatch(previous)
	}
	return NextMinor(previous)
}

func pad(segments []int) [3]int {
	var out [3]int
	for i := 0; i < len(segments) && i < 3; i++ {
		out[i] = segments[i]
	}
	return out
}
