// Command h5layout creates, inspects and edits datasets in h5layout files.
package main

import (
	"fmt"
	"os"
)

func main() {
	t := newTool()
	if err := t.root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
