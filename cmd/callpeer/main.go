package main

import "github.com/dkeye/peercall/cmd/callpeer/cmd"

func main() {
	cmd.Execute()
}
