package main

import "cloudsync/cmd"

func main() {
	cmd.Execute()
}
