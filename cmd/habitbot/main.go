package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

var version = "dev"

var CLI struct {
	Version kong.VersionFlag
	Config  string `help:"Config file path (JSON or YAML)." short:"c" type:"path" default:"./config.yaml" env:"HABITBOT_CONFIG"`

	Run         RunCmd         `cmd:"" help:"Run the reminder dispatcher." default:"1"`
	Dead        DeadCmd        `cmd:"" help:"List reminders that exhausted their retries."`
	Next        NextCmd        `cmd:"" help:"Show upcoming reminder slots for a habit."`
	User        UserCmd        `cmd:"" help:"Create or update a user directory entry."`
	CheckConfig CheckConfigCmd `cmd:"" name:"check-config" help:"Validate the config file and exit."`
}

func main() {
	// A missing .env is fine; the real environment still applies.
	_ = godotenv.Load()

	ctx := kong.Parse(&CLI,
		kong.Name("habitbot"),
		kong.Description("Habit reminder bot"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(&Globals{Config: CLI.Config}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
