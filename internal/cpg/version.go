package cpg

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

var versionPattern = regexp.MustCompile(`v?(\d+\.\d+\.\d+[0-9A-Za-z.+-]*)`)

// ParseVersion extracts the first semantic version found in the text.
func ParseVersion(text string) (*semver.Version, error) {
	m := versionPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("no version number in %q", truncate(text, 80))
	}
	return semver.NewVersion(m[1])
}

// CheckVersion runs "<binary> --version" and verifies the reported version
// satisfies the constraint, for example ">= 2.0.0". An empty constraint
// skips the check.
func CheckVersion(ctx context.Context, binary, constraint string) (string, error) {
	if constraint == "" {
		return "", nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return "", fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	out, err := exec.CommandContext(ctx, binary, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s --version: %v", ErrBackendUnavailable, binary, err)
	}
	v, err := ParseVersion(string(out))
	if err != nil {
		return "", err
	}
	if !c.Check(v) {
		return v.String(), fmt.Errorf("backend version %s does not satisfy %q", v, constraint)
	}
	return v.String(), nil
}
