package main

import "github.com/jmcleod/medseal/cmd/medseal/cmd"

func main() {
	cmd.Execute()
}
