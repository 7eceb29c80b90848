package resolver

import "strings"

var develSuffixes = []string{"-git", "-hg", "-bzr", "-svn", "-cvs", "-darcs"}

// StripDependency removes a version constraint such as ">=1.2" from dep.
func StripDependency(dep string) string {
	if i := strings.IndexAny(dep, "=<>"); i >= 0 {
		return dep[:i]
	}
	return dep
}

// IsDevelopment reports whether name tracks a version control head.
func IsDevelopment(name string) bool {
	for _, suffix := range develSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
