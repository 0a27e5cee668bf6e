package graph

import "errors"

// Sentinel errors returned by Graph mutation and lookup operations.
var (
	ErrDuplicateVertex = errors.New("graph: vertex already exists")
	ErrVertexNotFound  = errors.New("graph: vertex not found")
	ErrSelfLoop        = errors.New("graph: self loop not allowed")
	ErrDuplicateEdge   = errors.New("graph: edge already exists")
	ErrEdgeNotFound    = errors.New("graph: edge not found")
)
