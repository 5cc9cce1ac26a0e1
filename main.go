package main

import "github.com/drsoft-oss/proxybrokerage/cmd"

func main() {
	cmd.Execute()
}
