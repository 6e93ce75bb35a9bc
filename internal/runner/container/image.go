package container

import (
	"fmt"
	"regexp"

	"github.com/google/go-containerregistry/pkg/name"
)

// imageRefPattern is the injection-safety gate ahead of any host-level
// container-tool invocation (spec §4.H: "validates image references and
// container ids against a strict regex ... to prevent command injection").
// It is deliberately far stricter than the full OCI reference grammar:
// lowercase alphanumerics plus the handful of separators real images use.
var imageRefPattern = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*(?:/[a-z0-9]+(?:[._-][a-z0-9]+)*)*(?::[a-zA-Z0-9._-]+)?(?:@sha256:[a-f0-9]{64})?$`)

// containerIDPattern matches both a generated container name and a Docker
// engine-assigned hex id.
var containerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// validateImageRef rejects anything that is not both syntactically a safe
// string and a well-formed OCI reference, grounded on
// google/go-containerregistry's `name` package (jordigilh-kubernaut) for the
// semantic parse and a local regex for the injection-safety boundary the
// spec calls out explicitly.
func validateImageRef(ref string) error {
	if !imageRefPattern.MatchString(ref) {
		return fmt.Errorf("container: image reference %q failed strict validation", ref)
	}
	if _, err := name.ParseReference(ref); err != nil {
		return fmt.Errorf("container: image reference %q is not a well-formed reference: %w", ref, err)
	}
	return nil
}

func validateContainerID(id string) error {
	if !containerIDPattern.MatchString(id) {
		return fmt.Errorf("container: id %q failed strict validation", id)
	}
	return nil
}

// allowList gates which image repositories may be launched without an
// elevated tenant capability (spec §4.H: "refuses to launch images outside
// a configurable allow-list unless the tenant has an elevated capability").
type allowList struct {
	repos map[string]bool
}

func newAllowList(repos []string) *allowList {
	m := make(map[string]bool, len(repos))
	for _, r := range repos {
		m[r] = true
	}
	return &allowList{repos: m}
}

func (a *allowList) allows(ref string, elevated bool) bool {
	if elevated {
		return true
	}
	if len(a.repos) == 0 {
		return true
	}
	r, err := name.ParseReference(ref)
	if err != nil {
		return false
	}
	return a.repos[r.Context().RepositoryStr()]
}
