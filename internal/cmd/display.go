package cmd

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/fclairamb/snapapi/internal/snapshot"
)

const day = 24 * time.Hour

// ageUnits are the units snapshot ages are rounded down to, largest first.
var ageUnits = []struct {
	size time.Duration
	name string
}{
	{30 * day, "month"},
	{7 * day, "week"},
	{day, "day"},
	{time.Hour, "hour"},
	{time.Minute, "minute"},
}

// displaySnapshotList prints an owner's snapshots with the age of each published
// directory at now.
func displaySnapshotList(w io.Writer, layout snapshot.Layout, owner string, names []string, now time.Time) {
	fmt.Fprintf(w, "Snapshots for %s (%d):\n", owner, len(names))
	for _, name := range names {
		age := "unknown"
		if info, err := os.Stat(layout.SnapshotDir(owner, name)); err == nil {
			age = snapshotAge(now.Sub(info.ModTime()))
		}
		fmt.Fprintf(w, "  %s (created: %s)\n", name, age)
	}
}

// snapshotAge renders age in the largest whole unit, e.g. "3 days ago".
func snapshotAge(age time.Duration) string {
	for _, unit := range ageUnits {
		n := int(age / unit.size)
		switch {
		case n == 1:
			return "1 " + unit.name + " ago"
		case n > 1:
			return fmt.Sprintf("%d %ss ago", n, unit.name)
		}
	}
	return "just now"
}

// displayBulkResult summarizes a snapshot-all run, including one that stopped early.
func displayBulkResult(w io.Writer, result *snapshot.BulkResult, elapsed time.Duration, err error) {
	if err != nil {
		fmt.Fprintf(w, "Snapshot %s stopped after %d students: %v\n", result.Name, len(result.Owners), err)
		return
	}
	fmt.Fprintf(w, "Snapshot %s created for %d students in %s\n",
		result.Name, len(result.Owners), elapsed.Round(time.Millisecond))
}

// printFileList prints one path per line.
func printFileList(w io.Writer, files []string) {
	for _, file := range files {
		fmt.Fprintf(w, "  %s\n", file)
	}
}

// fileNode is a directory or file in a tree built from slash paths.
type fileNode struct {
	name     string
	children []*fileNode
}

func (n *fileNode) child(name string) *fileNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	c := &fileNode{name: name}
	n.children = append(n.children, c)
	return c
}

// buildFileTree arranges slash paths into a tree with children sorted by name.
func buildFileTree(rootName string, files []string) *fileNode {
	root := &fileNode{name: rootName}
	for _, file := range files {
		node := root
		for segment := range strings.SplitSeq(file, "/") {
			node = node.child(segment)
		}
	}

	var sortTree func(n *fileNode)
	sortTree = func(n *fileNode) {
		slices.SortFunc(n.children, func(a, b *fileNode) int { return strings.Compare(a.name, b.name) })
		for _, c := range n.children {
			sortTree(c)
		}
	}
	sortTree(root)
	return root
}

// printFileTree prints files as a tree under rootName.
func printFileTree(w io.Writer, rootName string, files []string) {
	root := buildFileTree(rootName, files)
	fmt.Fprintln(w, root.name)
	for i, child := range root.children {
		printTreeNode(w, child, "", i == len(root.children)-1)
	}
}

// printTreeNode prints a node in tree format.
func printTreeNode(w io.Writer, node *fileNode, prefix string, isLast bool) {
	// Determine the tree characters
	var branch, nextPrefix string
	if isLast {
		branch = "└── "
		nextPrefix = prefix + "    "
	} else {
		branch = "├── "
		nextPrefix = prefix + "│   "
	}

	name := node.name
	if len(node.children) > 0 {
		name += "/"
	}
	fmt.Fprintf(w, "%s%s\n", prefix+branch, name)

	for i, child := range node.children {
		printTreeNode(w, child, nextPrefix, i == len(node.children)-1)
	}
}
