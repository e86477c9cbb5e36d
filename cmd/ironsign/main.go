package main

import "github.com/jmcleod/ironsign/cmd/ironsign/cmd"

func main() {
	cmd.Execute()
}
