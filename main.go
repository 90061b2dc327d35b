//	@title			Task Engine API
//	@version		1.0
//	@description	Creates, chains and runs app tasks, including container jobs
//	@BasePath		/api/v0

//	@tag.name			tasks
//	@tag.description	Task creation and inspection

//	@tag.name			jobs
//	@tag.description	Callbacks used by container agents

//	@tag.name			health
//	@tag.description	Operational endpoints for monitoring and health

package main

import (
	"fmt"
	"os"

	"github.com/compozy/taskengine/cli"
)

func main() {
	cmd := cli.RootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
