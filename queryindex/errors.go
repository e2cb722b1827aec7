package queryindex

import "fmt"

// UnsupportedQueryError is returned for a query construct the compiler
// cannot turn into index fields.
type UnsupportedQueryError struct {
	Node string
	Msg  string
}

func (e *UnsupportedQueryError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("queryindex: unsupported query node %s", e.Node)
	}
	return fmt.Sprintf("queryindex: unsupported query node %s: %s", e.Node, e.Msg)
}

func unsupportedf(node string, format string, args ...any) *UnsupportedQueryError {
	return &UnsupportedQueryError{Node: node, Msg: fmt.Sprintf(format, args...)}
}
