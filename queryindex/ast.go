// Package queryindex compiles parsed queries into the JSON index
// descriptors document backends create before running them.
package queryindex

// Node is an expression node of a parsed query.
type Node interface {
	NodeType() string
}

type Query struct {
	Name   string
	Select *Select
}

type Select struct {
	Resource string
	Registry string
	Where    Node
	OrderBy  *OrderBy
	Limit    Node
	Skip     Node
}

type OrderBy struct {
	Sort []SortSpec
}

// SortSpec is one ORDER BY entry. Direction is "ASC", "DESC" or empty.
type SortSpec struct {
	Field     Node
	Direction string
}

type BinaryExpression struct {
	Operator string
	Left     Node
	Right    Node
}

type Identifier struct {
	Name string
}

type Literal struct {
	Value any
}

type ArrayExpression struct {
	Elements []Node
}

type MemberExpression struct {
	Object   Node
	Property Node
}

// UnknownNode stands for any node type the compiler does not handle.
type UnknownNode struct {
	Type string
}

func (*BinaryExpression) NodeType() string { return "BinaryExpression" }
func (*Identifier) NodeType() string       { return "Identifier" }
func (*Literal) NodeType() string          { return "Literal" }
func (*ArrayExpression) NodeType() string  { return "ArrayExpression" }
func (*MemberExpression) NodeType() string { return "MemberExpression" }
func (n *UnknownNode) NodeType() string    { return n.Type }
