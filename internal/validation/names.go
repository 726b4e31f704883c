package validation

import (
	"fmt"
	"regexp"
)

const (
	// MaxMissionNameLength leaves room for the longest resource suffix within the
	// storage service's 63-character container name limit.
	MaxMissionNameLength = 50

	// MaxCaseIDLength is the compute service's task ID limit.
	MaxCaseIDLength = 64
)

var (
	missionNamePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	caseIDPattern      = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ValidateMissionName checks that a mission name yields valid pool, job and
// container names: lowercase letters, digits and single hyphens.
func ValidateMissionName(name string) error {
	if name == "" {
		return fmt.Errorf("mission name cannot be empty")
	}
	if len(name) > MaxMissionNameLength {
		return fmt.Errorf("mission name %q is longer than %d characters", name, MaxMissionNameLength)
	}
	if !missionNamePattern.MatchString(name) {
		return fmt.Errorf("mission name %q may only contain lowercase letters, digits and single hyphens", name)
	}
	return nil
}

// ValidateCaseID checks that a case ID can be used as a task ID and as a blob prefix.
func ValidateCaseID(caseID string) error {
	if caseID == "" {
		return fmt.Errorf("case ID cannot be empty")
	}
	if len(caseID) > MaxCaseIDLength {
		return fmt.Errorf("case ID %q is longer than %d characters", caseID, MaxCaseIDLength)
	}
	if !caseIDPattern.MatchString(caseID) {
		return fmt.Errorf("case ID %q may only contain letters, digits, hyphens and underscores", caseID)
	}
	return nil
}
