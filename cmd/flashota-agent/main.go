package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/flashota/cmd/flashota-agent/app"
)

func main() {
	app.NewApp().Run()
}
