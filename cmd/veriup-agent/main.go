package main

import "github.com/veriup/veriup/cmd/veriup-agent/cmd"

func main() {
	cmd.Execute()
}
