package main

import "github.com/deploymenttheory/razorfs/cmd"

func main() {
	cmd.Execute()
}
