package fedgen

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/briandowns/spinner"
	"github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/fedgen/fedgen/core"
	"github.com/fedgen/fedgen/fs"
	"github.com/fedgen/fedgen/model"
	"github.com/fedgen/fedgen/store/boltdb"
)

const refreshRate = 500 * time.Millisecond

// progress shows a spinner with the last committed round until the returned
// function is called.
func progress(c *cli.Context, maxRounds int, opts []core.ConfigOption) ([]core.ConfigOption, func()) {
	if !c.Bool(progressFlag.Name) {
		return opts, func() {}
	}
	var current uint64
	opts = append(opts, core.WithModelCallback(func(round uint64) {
		atomic.StoreUint64(&current, round)
	}))
	s := spinner.New(spinner.CharSets[9], refreshRate, spinner.WithWriter(output))
	s.PreUpdate = func(spin *spinner.Spinner) {
		curr := atomic.LoadUint64(&current)
		spin.Suffix = fmt.Sprintf("  global model at round %d of %d"+
			"\t--> %.1f %%", curr, maxRounds, 100*float64(curr)/float64(maxRounds))
	}
	s.FinalMSG = "\n"
	s.Start()
	return opts, s.Stop
}

func configOptions(c *cli.Context) []core.ConfigOption {
	opts := []core.ConfigOption{core.WithLogLevel(logLevel(c), c.Bool(jsonLogsFlag.Name))}
	if c.IsSet(folderFlag.Name) {
		opts = append(opts, core.WithConfigFolder(c.String(folderFlag.Name)))
	}
	if c.IsSet(listenFlag.Name) {
		opts = append(opts, core.WithListenAddress(c.String(listenFlag.Name)))
	}
	if c.IsSet(metricsFlag.Name) {
		opts = append(opts, core.WithMetricsAddress(c.String(metricsFlag.Name)))
	}
	if c.IsSet(pubListenFlag.Name) {
		opts = append(opts, core.WithPublicListenAddress(c.String(pubListenFlag.Name)))
	}
	if c.IsSet(accessLogFlag.Name) {
		opts = append(opts, core.WithAccessLog(c.String(accessLogFlag.Name)))
	}
	return opts
}

func withExporters(c *cli.Context, opts []core.ConfigOption) ([]core.ConfigOption, error) {
	exps, _, err := exporters(c)
	if err != nil {
		return nil, err
	}
	for _, e := range exps {
		opts = append(opts, core.WithExporter(e))
	}
	return opts, nil
}

func simulateCmd(c *cli.Context) error {
	s, err := loadSession(c)
	if err != nil {
		return err
	}
	opts, err := withExporters(c, configOptions(c))
	if err != nil {
		return err
	}
	opts, stop := progress(c, s.MaxRounds, opts)
	conf := core.NewConfig(opts...)

	ctx, cancel := signalContext(c)
	defer cancel()
	sim, err := core.Simulate(ctx, conf, s)
	stop()
	if sim != nil && sim.Summary != nil {
		for _, id := range sim.NodeIDs() {
			fmt.Fprintf(output, "  node %s holds %d patients\n", id, sim.Samples[id])
		}
		printSummary(sim.Summary)
	}
	return err
}

func hubCmd(c *cli.Context) error {
	s, err := loadSession(c)
	if err != nil {
		return err
	}
	opts, err := withExporters(c, configOptions(c))
	if err != nil {
		return err
	}
	opts, stop := progress(c, s.MaxRounds, opts)
	defer stop()
	conf := core.NewConfig(opts...)

	ctx, cancel := signalContext(c)
	defer cancel()
	hub, e, err := core.NewP2PHub(ctx, conf, s)
	if err != nil {
		return err
	}
	defer hub.Close()
	if addrs, err := e.Multiaddrs(); err == nil {
		fmt.Fprintf(output, "session %s, nodes dial one of:\n", s.SessionID())
		for _, a := range addrs {
			fmt.Fprintf(output, "  %s\n", a)
		}
	}

	summary, err := hub.Run(ctx)
	stop()
	if summary != nil {
		printSummary(summary)
	}
	return err
}

func nodeCmd(c *cli.Context) error {
	s, err := loadSession(c)
	if err != nil {
		return err
	}
	conf := contextToConfig(c)
	ctx, cancel := signalContext(c)
	defer cancel()
	final, err := core.RunNode(ctx, conf, s, c.String(nodeIDFlag.Name), c.StringSlice(peerFlag.Name))
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "session %s ended at round %d\n", final.Session, final.Round)
	return nil
}

func initSessionCmd(c *cli.Context) error {
	s := core.DefaultSession()
	if !c.IsSet(outFlag.Name) {
		return toml.NewEncoder(output).Encode(s)
	}
	if err := s.Save(c.String(outFlag.Name)); err != nil {
		return err
	}
	fmt.Fprintf(output, "session written to %s\n", c.String(outFlag.Name))
	return nil
}

func showSessionCmd(c *cli.Context) error {
	s, err := loadSession(c)
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	fmt.Fprintf(output, "# session id %s\n", s.SessionID())
	return toml.NewEncoder(output).Encode(s)
}

func showModelCmd(c *cli.Context) error {
	s, err := loadSession(c)
	if err != nil {
		return err
	}
	conf := contextToConfig(c)
	folder := path.Join(conf.DBFolder(), s.SessionID())
	if ok, err := fs.Exists(path.Join(folder, boltdb.BoltFileName)); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("no history for session %s in %s", s.SessionID(), conf.DBFolder())
	}
	ctx := context.Background()
	st, err := boltdb.NewBoltStore(ctx, conf.Logger(), folder, &bolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return fmt.Errorf("history of session %s is locked by a running hub", s.SessionID())
		}
		return err
	}
	defer st.Close(ctx)

	var g *model.GlobalModel
	if c.IsSet(roundFlag.Name) {
		g, err = st.Get(ctx, c.Uint64(roundFlag.Name))
	} else {
		g, err = st.Last(ctx)
	}
	if err != nil {
		return err
	}
	data, err := g.Export().Marshal()
	if err != nil {
		return err
	}
	fmt.Fprintln(output, string(data))
	return nil
}
