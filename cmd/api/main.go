package main

import (
	"go.uber.org/fx"

	"github.com/gavelworks/gavel/internal/app"
)

func main() {
	fx.New(app.Module).Run()
}
