// Package fedgen trains a logistic regression model across sovereign genomic
// data nodes with federated averaging. Only model weights and sample counts
// leave a node.
package fedgen

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/fedgen/fedgen/common/log"
	"github.com/fedgen/fedgen/core"
	"github.com/fedgen/fedgen/coordinator"
	"github.com/fedgen/fedgen/export"
)

// default output of the fedgen operational commands
// the daemons use their own logging mechanism.
var output io.Writer = os.Stdout

// Automatically set through -ldflags
// Example: go install -ldflags "-X main.version=`git describe --tags`
//   -X main.buildDate=`date -u +%d/%m/%Y@%H:%M:%S` -X main.gitCommit=`git rev-parse HEAD`"
var (
	version   = "master"
	gitCommit = "none"
	buildDate = "unknown"
)

func banner() {
	fmt.Fprintf(output, "fedgen %v (date %v, commit %v)\n", version, buildDate, gitCommit)
}

var folderFlag = &cli.StringFlag{
	Name:  "folder",
	Value: core.DefaultConfigFolder(),
	Usage: "Folder to keep the global model history, the libp2p identity and the peerstore, with absolute path.",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "If set, verbosity is at the debug level",
}

var jsonLogsFlag = &cli.BoolFlag{
	Name:  "json-logs",
	Usage: "If set, logs are printed as JSON",
}

var sessionFlag = &cli.StringFlag{
	Name:  "session",
	Usage: "Session file (TOML) listing the nodes and the training parameters.",
}

var outFlag = &cli.StringFlag{
	Name:  "out",
	Usage: "Write the result into this file instead of stdout.",
}

var listenFlag = &cli.StringFlag{
	Name:  "listen",
	Value: core.DefaultListenAddr,
	Usage: "libp2p multiaddr to listen on.",
}

var peerFlag = &cli.StringSliceFlag{
	Name:  "peer",
	Usage: "libp2p multiaddr of a peer to connect to. Can be given several times.",
}

var metricsFlag = &cli.StringFlag{
	Name:  "metrics",
	Usage: "Launch a metrics server at the specified (host:)port.",
}

var pubListenFlag = &cli.StringFlag{
	Name:  "public-listen",
	Usage: "Serve the status API at the specified (host:)port.",
}

var accessLogFlag = &cli.StringFlag{
	Name:  "access-log",
	Usage: "File to log status API accesses to.",
}

var bucketFlag = &cli.StringFlag{
	Name:  "s3-bucket",
	Usage: "Name of the AWS bucket holding the node weights and the global model.",
}

var regionFlag = &cli.StringFlag{
	Name:  "s3-region",
	Usage: "Name of the AWS region to use (optional)",
}

var progressFlag = &cli.BoolFlag{
	Name:  "progress",
	Usage: "Show a spinner with the round progress.",
}

var nodeIDFlag = &cli.StringFlag{
	Name:     "id",
	Required: true,
	Usage:    "Id of this node in the session file.",
}

var roundFlag = &cli.Uint64Flag{
	Name:  "round",
	Usage: "Show the global model committed at this round instead of the last one.",
}

// CLI runs the fedgen app
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "fedgen"
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(output, "fedgen %v (date %v, commit %v)\n", version, buildDate, gitCommit)
	}

	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}
	app.Version = version
	app.Usage = "federated logistic regression over sovereign genomic data"
	app.Commands = appCommands
	app.Flags = toArray(verboseFlag, jsonLogsFlag, folderFlag)
	return app
}

var appCommands = []*cli.Command{
	generateCmd,
	trainCmd,
	aggregateCmd,
	{
		Name:  "simulate",
		Usage: "Run every node of a session and the hub inside this process.",
		Flags: toArray(sessionFlag, outFlag, bucketFlag, regionFlag, progressFlag),
		Action: func(c *cli.Context) error {
			banner()
			return simulateCmd(c)
		},
	},
	{
		Name:  "hub",
		Usage: "Start the hub of a session and coordinate the rounds over libp2p.",
		Flags: toArray(folderFlag, sessionFlag, listenFlag, metricsFlag, pubListenFlag,
			accessLogFlag, outFlag, bucketFlag, regionFlag, progressFlag),
		Action: func(c *cli.Context) error {
			banner()
			return hubCmd(c)
		},
	},
	{
		Name:  "node",
		Usage: "Join a session as a data node and train locally on every round.",
		Flags: toArray(folderFlag, sessionFlag, nodeIDFlag, listenFlag, peerFlag),
		Action: func(c *cli.Context) error {
			banner()
			return nodeCmd(c)
		},
	},
	{
		Name:  "session",
		Usage: "Write the reference three nodes session file.",
		Flags: toArray(outFlag),
		Action: func(c *cli.Context) error {
			return initSessionCmd(c)
		},
	},
	{
		Name:  "show",
		Usage: "local information retrieval about the sessions run by this hub.",
		Subcommands: []*cli.Command{
			{
				Name:  "model",
				Usage: "shows a global model of the session history.\n",
				Flags: toArray(folderFlag, sessionFlag, roundFlag),
				Action: func(c *cli.Context) error {
					return showModelCmd(c)
				},
			},
			{
				Name:  "session",
				Usage: "shows the session file with its derived session id.\n",
				Flags: toArray(sessionFlag),
				Action: func(c *cli.Context) error {
					return showSessionCmd(c)
				},
			},
		},
	},
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

func logLevel(c *cli.Context) int {
	if c.Bool(verboseFlag.Name) {
		return log.DebugLevel
	}
	return log.InfoLevel
}

func contextToConfig(c *cli.Context) *core.Config {
	return core.NewConfig(configOptions(c)...)
}

// exporters returns the exporters selected by the out and bucket flags.
func exporters(c *cli.Context) ([]export.Exporter, *export.S3Exporter, error) {
	var exps []export.Exporter
	if c.IsSet(outFlag.Name) {
		exps = append(exps, &export.FileExporter{Path: c.String(outFlag.Name)})
	}
	if !c.IsSet(bucketFlag.Name) {
		return exps, nil, nil
	}
	s3, err := export.NewS3Exporter(c.String(regionFlag.Name), c.String(bucketFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	return append(exps, s3), s3, nil
}

func loadSession(c *cli.Context) (*core.Session, error) {
	if !c.IsSet(sessionFlag.Name) {
		return core.DefaultSession(), nil
	}
	return core.LoadSession(c.String(sessionFlag.Name))
}

// signalContext is cancelled on SIGINT and SIGTERM.
func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	parent := c.Context
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printSummary(s *coordinator.Summary) {
	fmt.Fprintf(output, "session %s: %s after %d rounds\n", s.Session, s.State, s.Rounds)
	for _, r := range s.Reports {
		partial := ""
		if r.Partial {
			partial = " (partial)"
		}
		fmt.Fprintf(output, "  round %d: nodes %v, samples %d, loss %.4f, accuracy %.2f%%%s\n",
			r.Round, r.Nodes, r.Samples, r.Loss, 100*r.Accuracy, partial)
	}
	fmt.Fprintf(output, "total samples %d, samples seen %d, improvement %.1fx over the largest node\n",
		s.TotalSamples, s.SamplesSeen, s.ImprovementRatio)
	if s.Error != "" {
		fmt.Fprintf(output, "error: %s\n", s.Error)
	}
}
