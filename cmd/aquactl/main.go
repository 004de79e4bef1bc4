package main

import "aquachain/api/cmd/aquactl/cmd"

func main() {
	cmd.Execute()
}
