package main

import "github.com/andresmejia3/firm/cmd"

func main() {
	cmd.Execute()
}
