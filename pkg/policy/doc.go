// Package policy vets action plans with Open Policy Agent before a run
// mutates the system.
//
// Each policy is a Rego module with a deny set. Guard evaluates every enabled
// policy with this input:
//
//	{
//	    "plan":     <engine.ActionPlan as JSON>,
//	    "declared": {"packages": [...], "ignored": [...], "files": [...],
//	                 "units": [...], "user_units": {...}, "modules": [...]}
//	}
//
// and the data document {"settings": {"protected_packages": [...]}}. A deny
// entry is a message string or an object with "message" and optional
// "target" and "severity" keys. Error and critical violations reject the
// plan; Guard.Check then returns a fatal POLICY_DENIED engine error.
//
// Built-in policies:
//
//   - protected-packages (error): refuses to remove base, glibc, linux,
//     pacman or systemd unless the package is declared ignored
//   - boot-files (warning): reports writes and removals under /boot
//
// A site policy, loaded from the policy directory:
//
//	# Never let a run drop the display manager.
//	package site.display
//
//	deny contains msg if {
//	    "gdm.service" in input.plan.disable_units
//	    msg := "gdm.service must stay enabled"
//	}
package policy
