package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEmptyCommand(t *testing.T) {
	validator := NewCommandValidator()

	assert.False(t, validator.Validate(nil))
	assert.False(t, validator.Validate([]string{}))
}

func TestValidateAllowedCommands(t *testing.T) {
	validator := NewCommandValidator()

	assert.True(t, validator.Validate([]string{"echo", "hello"}))
	assert.True(t, validator.Validate([]string{"python3", "--version"}))
	assert.True(t, validator.Validate([]string{"ls", "-la"}))
}

func TestValidateBlockedCommands(t *testing.T) {
	validator := NewCommandValidator()

	assert.False(t, validator.Validate([]string{"rm", "-rf", "/"}))
	assert.False(t, validator.Validate([]string{"sudo", "rm", "-rf", "/"}))
	assert.False(t, validator.Validate([]string{"shutdown", "-h", "now"}))
}

func TestValidateUnknownCommandsRejected(t *testing.T) {
	validator := NewCommandValidator()

	// Not in the deny list, but not allow-listed either: fail closed.
	assert.False(t, validator.Validate([]string{"unknown_command", "arg1"}))
	assert.False(t, validator.Validate([]string{"malicious_cmd", "--evil"}))
	assert.False(t, validator.Validate([]string{"nmap", "localhost"}))
	assert.False(t, validator.Validate([]string{"nc", "-l", "1234"}))
}

func TestValidateCaseInsensitive(t *testing.T) {
	validator := NewCommandValidator()

	assert.True(t, validator.Validate([]string{"ECHO", "hello"}))
	assert.True(t, validator.Validate([]string{"Cat", "file.txt"}))
	assert.False(t, validator.Validate([]string{"RM", "-rf", "/"}))
	assert.False(t, validator.Validate([]string{"Sudo", "ls"}))
}

func TestValidateDenyPrecedence(t *testing.T) {
	validator := NewCommandValidator()

	// Every deny-listed program must fail even with benign arguments.
	for name := range blockedCommands {
		assert.False(t, validator.Validate([]string{name, "arg"}),
			"command %s should be blocked", name)
	}
}

func TestValidateAllAllowedCommandsPass(t *testing.T) {
	validator := NewCommandValidator()

	for name := range allowedCommands {
		assert.True(t, validator.Validate([]string{name, "arg"}),
			"command %s should be allowed", name)
	}
}

func TestIsAllowed(t *testing.T) {
	validator := NewCommandValidator()

	assert.True(t, validator.IsAllowed("echo"))
	assert.True(t, validator.IsAllowed("python3"))
	assert.True(t, validator.IsAllowed("GREP"))
	assert.False(t, validator.IsAllowed("rm"))
	assert.False(t, validator.IsAllowed("nmap"))
}

func TestIsBlocked(t *testing.T) {
	validator := NewCommandValidator()

	assert.True(t, validator.IsBlocked("rm"))
	assert.True(t, validator.IsBlocked("sudo"))
	assert.True(t, validator.IsBlocked("CHMOD"))
	assert.False(t, validator.IsBlocked("echo"))
	assert.False(t, validator.IsBlocked("nmap"))
}
