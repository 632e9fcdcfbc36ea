// Package graph provides the SQLite-backed node/edge store that represents
// projects, authored files and the artifacts derived from them.
package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType tags what a node represents.
type NodeType string

const (
	TypeProject            NodeType = "project"
	TypeDirectory          NodeType = "directory"
	TypeFile               NodeType = "file"
	TypeDerivedData        NodeType = "derived-data"
	TypeDependencyManifest NodeType = "dependency-manifest"
	TypeExtension          NodeType = "extension"
)

// EdgeType represents the type of relationship between nodes.
type EdgeType string

const (
	EdgeDependsOn     EdgeType = "DEPENDS_ON"     // file -> dependency manifest, named after the dependency
	EdgeGenerated     EdgeType = "GENERATED"      // spec file -> intent file
	EdgeCompilesTo    EdgeType = "COMPILES_TO"    // intent file -> source file
	EdgeImplements    EdgeType = "IMPLEMENTS"     // target project -> spec project
	EdgeUsesExtension EdgeType = "USES_EXTENSION" // project -> extension
	EdgeImports       EdgeType = "IMPORTS"        // intent file -> intent file it imports
)

// Status is the lifecycle status of a node.
type Status string

const (
	StatusActive Status = "active"
	StatusValid  Status = "valid"
	StatusError  Status = "error"
)

// Node represents a directory, file, or derived artifact.
type Node struct {
	ID               string
	ParentID         string // empty for project roots
	Project          string
	Type             NodeType
	Name             string
	Status           Status
	Content          []byte
	ContentHash      string
	Structured       json.RawMessage
	StructuredHash   string
	ContentUpdatedAt time.Time
	CreatedAt        int64
}

// Decode unmarshals the structured content into v. A node without structured
// content leaves v untouched.
func (n *Node) Decode(v interface{}) error {
	if len(n.Structured) == 0 {
		return nil
	}
	if err := json.Unmarshal(n.Structured, v); err != nil {
		return fmt.Errorf("decoding structured content of %s %q: %w", n.Type, n.Name, err)
	}
	return nil
}

// projectInfo is the structured content of a project root node.
type projectInfo struct {
	Path string `json:"path"`
}

// RootPath returns the filesystem root of a project node.
func (n *Node) RootPath() string {
	var info projectInfo
	_ = n.Decode(&info)
	return info.Path
}

// Edge represents an edge in the graph.
type Edge struct {
	Src       string
	Type      EdgeType
	Dst       string
	Name      string
	CreatedAt int64
}
