package main

import "github.com/veriup/veriup/cmd/veriup-server/cmd"

func main() {
	cmd.Execute()
}
