package main

import "obscomm/cmd"

func main() {
	cmd.Execute()
}
