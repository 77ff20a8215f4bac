package main

import "github.com/burakkaraceylan/vessel/cmd"

func main() {
	cmd.Execute()
}
