package registry

import "fmt"

// State is the synchronization state of one file.
type State int

const (
	Initial State = iota
	Touched
	Copied
	Uncontrolled
	Modified
	Error
	Directory
	Link
	LinkFile
	Pending
	Inexistent
)

var stateNames = [...]string{
	Initial:      "INITIAL",
	Touched:      "TOUCHED",
	Copied:       "COPIED",
	Uncontrolled: "UNCONTROLLED",
	Modified:     "MODIFIED",
	Error:        "ERROR",
	Directory:    "DIRECTORY",
	Link:         "LINK",
	LinkFile:     "LINK_FILE",
	Pending:      "PENDING",
	Inexistent:   "INEXISTENT",
}

// Manifest codes, one character per state.
var stateCodes = [...]byte{
	Initial:      'i',
	Touched:      't',
	Copied:       'c',
	Uncontrolled: 'u',
	Modified:     'm',
	Error:        'e',
	Directory:    'd',
	Link:         'l',
	LinkFile:     'f',
	Pending:      'p',
	Inexistent:   'x',
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Code returns the one-character manifest code for s.
func (s State) Code() byte {
	if s >= 0 && int(s) < len(stateCodes) {
		return stateCodes[s]
	}
	return '?'
}

// ParseCode maps a manifest code back to its state.
func ParseCode(c byte) (State, bool) {
	for s, code := range stateCodes {
		if code == c {
			return State(s), true
		}
	}
	return 0, false
}

// Resolved reports whether a file in state s can be read without asking
// the Local Controller.
func (s State) Resolved() bool {
	switch s {
	case Copied, Uncontrolled, Modified, Inexistent:
		return true
	default:
		return false
	}
}

// PlainFile reports whether s describes a regular file entry, as opposed
// to a directory or a symbolic link.
func (s State) PlainFile() bool {
	return s != Directory && s != Link
}
