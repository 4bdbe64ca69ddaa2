package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/danmuck/roverlink/internal/config"
)

func main() {
	kind := flag.String("kind", "host", "config kind: host|peer")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	defaults := flag.Bool("defaults", false, "print the effective defaults and exit")
	flag.Parse()

	if *defaults {
		doc, err := config.DefaultsTOML(*kind)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Print(doc)
		return
	}

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		switch *kind {
		case "host":
			if _, err := config.LoadHost(path); err != nil {
				log.Fatal(err)
			}
		case "peer":
			if _, err := config.LoadPeer(path); err != nil {
				log.Fatal(err)
			}
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case "host":
		return "cmd/hostctl/config.toml"
	case "peer":
		return "cmd/peerctl/config.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}
