// Package executor runs argument vectors on the local machine.
//
// Local is the production CommandExecutor. It never goes through a shell:
// argv[0] is resolved in PATH and the remaining elements are passed as is.
// When a command carries AsUser, the child runs with that user's uid, gid
// and supplementary groups, and HOME, USER and LOGNAME point at the user.
//
// Scripted is an in-memory CommandExecutor for tests. It answers commands
// by argv prefix and records every call.
//
// Render quotes an argv for display in plans and logs.
package executor
