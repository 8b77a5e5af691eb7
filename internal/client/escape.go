package client

type action int

const (
	actForward action = iota // send the byte to the task
	actEscape                // escape key; wait for the command byte
	actDetach
	actKill
	actIgnore // unknown command byte, swallowed with the escape key
)

// escaper tracks whether the previous byte was the escape key.
type escaper struct {
	key   byte
	armed bool
}

func (e *escaper) feed(b byte) action {
	if e.armed {
		e.armed = false
		switch b {
		case CmdDetach:
			return actDetach
		case CmdKill:
			return actKill
		default:
			return actIgnore
		}
	}
	if b == e.key {
		e.armed = true
		return actEscape
	}
	return actForward
}
