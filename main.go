package main

import "github.com/Zerofisher/bandrec/cmd"

func main() {
	cmd.Execute()
}
