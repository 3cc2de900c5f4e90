package main

import (
	"fmt"

	"github.com/wirebeam/pushfabric/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
