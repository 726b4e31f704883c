package mission

import "fmt"

// CaseNotFoundError reports a case that is unknown locally, or whose local
// input folder is missing.
type CaseNotFoundError struct {
	CaseID string
	// Path is the local folder that was looked up, if any.
	Path string
	// Remote is true when the remote queue was also checked.
	Remote bool
}

func (e *CaseNotFoundError) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("case %s not found: %s does not exist", e.CaseID, e.Path)
	case e.Remote:
		return fmt.Sprintf("case %s not found locally or in the remote queue", e.CaseID)
	default:
		return fmt.Sprintf("case %s not found", e.CaseID)
	}
}
