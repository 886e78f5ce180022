package main

import (
	"palisade/internal/app"

	"github.com/charmbracelet/log"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal("agent terminated", "error", err)
	}
}
