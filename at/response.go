package at

import (
	"strings"
)

// Response is the decoded reply to exactly one Command: the intermediate
// information lines followed by the final result code.
type Response struct {
	Lines []string
	Final string
}

// OK reports whether the final result code signals success.
func (r Response) OK() bool {
	return r.Final == OK
}

// Err returns a *CommandError when the module rejected the command.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	return &CommandError{Final: r.Final}
}

// Params returns the comma separated parameters of the first information
// line starting with prefix (for example "+UDCP:").
func (r Response) Params(prefix string) ([]string, bool) {
	for _, line := range r.Lines {
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			return SplitParams(rest), true
		}
	}
	return nil, false
}

// String joins the response the way it appeared on the wire.
func (r Response) String() string {
	return strings.Join(append(append([]string(nil), r.Lines...), r.Final), "\n")
}

// SplitParams splits a parameter list on commas that are not inside a
// double quoted string. Surrounding quotes are removed.
func SplitParams(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		params  []string
		cur     strings.Builder
		quoted  bool
		wasQuot bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			quoted = !quoted
			wasQuot = true
		case c == ',' && !quoted:
			params = append(params, finishParam(cur.String(), wasQuot))
			cur.Reset()
			wasQuot = false
		default:
			cur.WriteByte(c)
		}
	}
	return append(params, finishParam(cur.String(), wasQuot))
}

func finishParam(s string, quoted bool) string {
	if quoted {
		return s
	}
	return strings.TrimSpace(s)
}
