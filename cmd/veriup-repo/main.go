package main

import "github.com/veriup/veriup/cmd/veriup-repo/cmd"

func main() {
	cmd.Execute()
}
