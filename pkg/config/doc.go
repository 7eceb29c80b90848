// Package config loads the two inputs of a declman run: the declarative
// spec of the machine and the settings of declman itself.
//
// # Spec
//
// A spec is written in CUE, YAML, TOML, JSON or Starlark; the file
// extension picks the format. Every format is decoded to plain data and
// unified with the embedded #System schema (schema.cue), so all of them
// report the same errors with the same paths. Rules the schema cannot
// express (absolute paths, exactly one of content and source, duplicate
// names) are checked afterwards, and all problems are returned together as
// ValidationErrors.
//
//	packages: ["vim", "git"]
//	community_packages: ["paru"]
//	files: "/etc/motd": {content: "hello\n", mode: "0644"}
//	units: ["sshd.service"]
//	modules: [{
//	    name: "dotfiles"
//	    user: "alice"
//	    hooks: on_enable: ["make -C /home/alice/dotfiles install"]
//	}]
//
// A Starlark spec binds the declaration to the global system and may use
// the predeclared hostname:
//
//	system = {
//	    "packages": ["vim"] + (["nvidia"] if hostname == "desktop" else []),
//	}
//
// SystemSpec.DesiredState turns a loaded spec into the engine's
// DesiredState.
//
// # Settings
//
// LoadSettings reads Settings with viper, from lowest to highest
// precedence: DefaultSettings, /etc/declman/config.{toml,yaml,json} or an
// explicit file, DECLMAN_* environment variables (DECLMAN_AUR_TIMEOUT for
// aur.timeout) and bound command line flags.
package config
