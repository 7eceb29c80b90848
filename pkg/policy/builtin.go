package policy

// DefaultProtectedPackages are the packages the protected-packages policy
// refuses to remove.
var DefaultProtectedPackages = []string{"base", "glibc", "linux", "pacman", "systemd"}

// BuiltinPolicies returns the policies every guard starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedPackagesPolicy(),
		bootFilesPolicy(),
	}
}

// protectedPackagesPolicy blocks removal of packages the system cannot run
// without. A package the user lists as ignored is never protected.
func protectedPackagesPolicy() Policy {
	return Policy{
		Name:        "protected-packages",
		Description: "Refuses to remove core system packages unless they are declared ignored",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package declman.builtin.protected_packages

import rego.v1

removals contains name if {
	some name in input.plan.remove_packages
}

removals contains name if {
	some name in input.plan.remove_orphans
}

deny contains violation if {
	some name in removals
	name in data.settings.protected_packages
	not name in input.declared.ignored
	violation := {
		"message": sprintf("refusing to remove protected package %s", [name]),
		"target": name,
	}
}
`,
	}
}

// bootFilesPolicy warns when a run touches files under /boot.
func bootFilesPolicy() Policy {
	return Policy{
		Name:        "boot-files",
		Description: "Warns when managed files under /boot are written or removed",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package declman.builtin.boot_files

import rego.v1

deny contains violation if {
	some file in input.plan.write_files
	startswith(file.path, "/boot/")
	violation := {
		"message": sprintf("plan writes boot file %s", [file.path]),
		"target": file.path,
	}
}

deny contains violation if {
	some path in input.plan.remove_files
	startswith(path, "/boot/")
	violation := {
		"message": sprintf("plan removes boot file %s", [path]),
		"target": path,
	}
}
`,
	}
}
