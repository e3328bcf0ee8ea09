package ami

import "strings"

// Action is an outbound AMI command.
type Action struct {
	headers []Header
}

// NewAction builds an action named name with alternating extra keys and values.
func NewAction(name string, kvs ...string) Action {
	a := Action{headers: []Header{{Key: "Action", Value: name}}}
	for i := 0; i+1 < len(kvs); i += 2 {
		a.headers = append(a.headers, Header{Key: kvs[i], Value: kvs[i+1]})
	}
	return a
}

// Login returns the authentication action.
func Login(username, secret string) Action {
	return NewAction("Login", "Username", username, "Secret", secret)
}

// GetVar returns a channel variable fetch tagged with actionID.
func GetVar(actionID, channel, variable string) Action {
	return NewAction("GetVar", "ActionID", actionID, "Channel", channel, "Variable", variable)
}

// Name returns the action name.
func (a Action) Name() string {
	return a.Get("Action")
}

// ID returns the ActionID header, if any.
func (a Action) ID() string {
	return a.Get("ActionID")
}

// Get returns the first value for key.
func (a Action) Get(key string) string {
	for _, h := range a.headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Bytes encodes the action in AMI wire format, terminated by a blank line.
func (a Action) Bytes() []byte {
	var b strings.Builder
	for _, h := range a.headers {
		b.WriteString(h.Key)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
