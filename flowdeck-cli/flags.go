package flowdeckcli

import (
	"time"

	"github.com/urfave/cli/v2"
)

var CommonOpts struct {
	Console           bool
	Env               string
	Port              int
	TokenSecret       string
	DatabaseURL       string
	NatsURL           string
	NatsSubject       string
	HeartbeatInterval time.Duration
	AccessTTL         time.Duration
	HierarchyTTL      time.Duration
}

var ConsoleFlag = cli.BoolFlag{
	Name:        "console",
	Usage:       "whether to log human-readable output instead of JSON",
	Value:       false,
	EnvVars:     []string{"CONSOLE"},
	Destination: &CommonOpts.Console,
}
var EnvFlag = cli.StringFlag{
	Name:        "env",
	Usage:       "environment",
	Value:       "local",
	EnvVars:     []string{"ENV"},
	Destination: &CommonOpts.Env,
}
var TokenSecretFlag = cli.StringFlag{
	Name:        "token-secret",
	Usage:       "shared secret used to verify bearer tokens at handshake",
	EnvVars:     []string{"TOKEN_SECRET"},
	Destination: &CommonOpts.TokenSecret,
}
var DatabaseURLFlag = cli.StringFlag{
	Name:        "database-url",
	Usage:       "postgres connection string; empty runs with the in-memory store",
	EnvVars:     []string{"DATABASE_URL"},
	Destination: &CommonOpts.DatabaseURL,
}
var NatsURLFlag = cli.StringFlag{
	Name:        "nats-url",
	Usage:       "NATS server url for cross-instance event fan-out; empty disables the bridge",
	EnvVars:     []string{"NATS_URL"},
	Destination: &CommonOpts.NatsURL,
}
var NatsSubjectFlag = cli.StringFlag{
	Name:        "nats-subject",
	Usage:       "NATS subject carrying database change events",
	Value:       "flowdeck.changes",
	EnvVars:     []string{"NATS_SUBJECT"},
	Destination: &CommonOpts.NatsSubject,
}
var HeartbeatIntervalFlag = cli.DurationFlag{
	Name:        "heartbeat-interval",
	Usage:       "interval between liveness sweeps over open connections",
	Value:       30 * time.Second,
	EnvVars:     []string{"HEARTBEAT_INTERVAL"},
	Destination: &CommonOpts.HeartbeatInterval,
}
var AccessTTLFlag = cli.DurationFlag{
	Name:        "access-ttl",
	Usage:       "how long a board access check result stays fresh",
	Value:       5 * time.Second,
	EnvVars:     []string{"ACCESS_TTL"},
	Destination: &CommonOpts.AccessTTL,
}
var HierarchyTTLFlag = cli.DurationFlag{
	Name:        "hierarchy-ttl",
	Usage:       "how long a resolved workspace id stays cached",
	Value:       30 * time.Second,
	EnvVars:     []string{"HIERARCHY_TTL"},
	Destination: &CommonOpts.HierarchyTTL,
}
var PortFlag = func(p int) *cli.IntFlag {
	return &cli.IntFlag{
		Name:        "port",
		Usage:       "Port to listen to",
		Value:       p,
		EnvVars:     []string{"PORT"},
		Destination: &CommonOpts.Port,
	}
}

var CommonFlags = []cli.Flag{
	&ConsoleFlag,
	&EnvFlag,
	&TokenSecretFlag,
	&DatabaseURLFlag,
	&NatsURLFlag,
	&NatsSubjectFlag,
	&HeartbeatIntervalFlag,
	&AccessTTLFlag,
	&HierarchyTTLFlag,
}
