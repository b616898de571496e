package main

import (
	"github.com/clusterkit/ecs-discovery/cmd"
)

func main() {
	cmd.Execute()
}
