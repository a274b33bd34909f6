package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
)

// DocCmd renders the full command tree as markdown, the same
// doc-generation escape hatch cmd/sand/main.go offers via its Doc
// command and MarkdownHelpPrinter.
type DocCmd struct{}

func (c *DocCmd) Run(kctx *kong.Context) error {
	model := kctx.Model
	w := kctx.Stdout

	fmt.Fprintf(w, "# %s\n\n%s\n\n", model.Name, model.Help)
	printNode(w, model.Node, model.Name, 2)
	return nil
}

func printNode(w io.Writer, node *kong.Node, path string, level int) {
	heading := strings.Repeat("#", level)
	for _, child := range node.Children {
		if child.Hidden || child.Type != kong.CommandNode {
			continue
		}
		childPath := path + " " + child.Name
		fmt.Fprintf(w, "%s `%s`\n\n", heading, childPath)
		if child.Help != "" {
			fmt.Fprintf(w, "%s\n\n", child.Help)
		}
		for _, flag := range child.Flags {
			if flag.Hidden {
				continue
			}
			fmt.Fprintf(w, "- `--%s`", flag.Name)
			if flag.Help != "" {
				fmt.Fprintf(w, " — %s", flag.Help)
			}
			if flag.Default != "" {
				fmt.Fprintf(w, " (default: `%s`)", flag.Default)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
		printNode(w, child, childPath, level+1)
	}
}
