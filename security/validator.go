package security

import "strings"

// allowedCommands lists programs that are safe to run inside a local
// sandbox: read/write utilities, interpreters, and archive tools. Any
// program not in this set is rejected.
var allowedCommands = map[string]bool{
	"echo":     true,
	"cat":      true,
	"ls":       true,
	"pwd":      true,
	"head":     true,
	"tail":     true,
	"grep":     true,
	"wc":       true,
	"sort":     true,
	"python":   true,
	"python3":  true,
	"python2":  true,
	"node":     true,
	"bash":     true,
	"sh":       true,
	"zsh":      true,
	"test":     true,
	"[":        true,
	"true":     true,
	"false":    true,
	"which":    true,
	"type":     true,
	"env":      true,
	"printenv": true,
	"mkdir":    true,
	"touch":    true,
	"cp":       true,
	"mv":       true,
	"ln":       true,
	"readlink": true,
	"stat":     true,
	"file":     true,
	"find":     true,
	"xargs":    true,
	"sed":      true,
	"awk":      true,
	"cut":      true,
	"tr":       true,
	"uniq":     true,
	"diff":     true,
	"cmp":      true,
	"tar":      true,
	"gzip":     true,
	"gunzip":   true,
	"zip":      true,
	"unzip":    true,
}

// blockedCommands lists programs that must never run, regardless of
// the allow list. Checked first as a defense-in-depth backstop.
var blockedCommands = map[string]bool{
	"rm":       true,
	"rmdir":    true,
	"unlink":   true,
	"del":      true,
	"format":   true,
	"mkfs":     true,
	"dd":       true,
	"fdisk":    true,
	"shutdown": true,
	"reboot":   true,
	"halt":     true,
	"poweroff": true,
	"init":     true,
	"killall":  true,
	"sudo":     true,
	"su":       true,
	"chmod":    true,
	"chown":    true,
	"chgrp":    true,
	"mount":    true,
	"umount":   true,
}

// CommandValidator classifies command vectors as allowed or denied
// against the static allow/deny policy.
type CommandValidator struct{}

// NewCommandValidator creates a new CommandValidator
func NewCommandValidator() *CommandValidator {
	return &CommandValidator{}
}

// Validate reports whether the command vector is safe to execute.
// Empty commands are denied. The program name is matched
// case-insensitively; the deny list takes precedence over the allow
// list, and programs absent from both are denied.
func (*CommandValidator) Validate(cmd []string) bool {
	if len(cmd) == 0 {
		return false
	}

	name := strings.ToLower(cmd[0])

	if blockedCommands[name] {
		return false
	}

	return allowedCommands[name]
}

// IsAllowed reports whether the program name is in the allow list.
func (*CommandValidator) IsAllowed(name string) bool {
	return allowedCommands[strings.ToLower(name)]
}

// IsBlocked reports whether the program name is in the deny list.
func (*CommandValidator) IsBlocked(name string) bool {
	return blockedCommands[strings.ToLower(name)]
}
