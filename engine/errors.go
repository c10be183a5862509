package engine

import "fmt"

// CommandError is a command-level failure raised by the engine itself:
// arity, syntax, unknown command, or an invalid XRANGE/XREAD stream id.
// Wrong-type and XADD id errors come from the store package as plain
// errors. It carries exactly the text written back to the client as a
// simple-error frame; the connection otherwise stays healthy.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string {
	return e.Message
}

func newCommandError(format string, args ...interface{}) *CommandError {
	return &CommandError{Message: fmt.Sprintf(format, args...)}
}

func errArity(cmd string) *CommandError {
	return newCommandError("ERR wrong number of arguments for '%s' command", cmd)
}

func errSyntax() *CommandError {
	return newCommandError("ERR syntax error")
}

func errUnknownCommand(name string) *CommandError {
	return newCommandError("Unknown command: %s", name)
}
