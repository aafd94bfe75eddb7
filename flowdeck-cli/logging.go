package flowdeckcli

import (
	"os"

	"github.com/rs/zerolog"
)

func Logger(service Service) zerolog.Logger {
	if CommonOpts.Console {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().
			Str("service", service.Name).
			Str("version", service.Version).
			Logger()
	}
	return zerolog.New(os.Stdout).With().
		Str("service", service.Name).
		Str("version", service.Version).
		Logger()
}
