package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/danmuck/edgeipc/internal/config"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("configgen", flag.ContinueOnError)
	kind := fs.String("kind", config.KindClient, "config kind: client|kernel")
	output := fs.String("output", "", "output path for config template")
	validate := fs.Bool("validate", false, "validate an existing config file")
	input := fs.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := fs.Bool("force", false, "overwrite existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *validate {
		path := *input
		if path == "" {
			def, err := config.DefaultPath(*kind)
			if err != nil {
				return err
			}
			path = def
		}
		if err := config.Validate(path, *kind); err != nil {
			return err
		}
		fmt.Fprintf(out, "Validated %s config at %s\n", *kind, path)
		return nil
	}

	target := *output
	if target == "" {
		def, err := config.DefaultPath(*kind)
		if err != nil {
			return err
		}
		target = def
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s config template to %s\n", *kind, target)
	return nil
}
