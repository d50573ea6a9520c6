// govgate is the governance gate: constraint evaluation for corrective-action
// proposals, council voting for agent commands, and a hash-chained audit trail.
package main

import "github.com/ppiankov/govgate/internal/cli"

func main() {
	cli.Execute()
}
