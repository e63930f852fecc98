package fedgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	json "github.com/nikkolasg/hexjson"
	"github.com/urfave/cli/v2"

	"github.com/fedgen/fedgen/aggregator"
	"github.com/fedgen/fedgen/coordinator"
	"github.com/fedgen/fedgen/dataset"
	"github.com/fedgen/fedgen/export"
	"github.com/fedgen/fedgen/fs"
	"github.com/fedgen/fedgen/model"
	"github.com/fedgen/fedgen/trainer"
)

var regionDataFlag = &cli.StringFlag{
	Name:  "region",
	Value: "US",
	Usage: "Region profile of the synthetic cohort (US or EU, other codes use the EU profile).",
}

var samplesFlag = &cli.IntFlag{
	Name:  "samples",
	Value: 1000,
	Usage: "Number of synthetic patients.",
}

var seedFlag = &cli.Int64Flag{
	Name:  "seed",
	Value: 42,
	Usage: "Seed of the generator. The same seed always yields the same cohort.",
}

var dataFlag = &cli.StringFlag{
	Name:     "data",
	Required: true,
	Usage:    "CSV file of patient records.",
}

var trainNodeFlag = &cli.StringFlag{
	Name:     "node",
	Required: true,
	Usage:    "Id of the node the data belongs to.",
}

var lrFlag = &cli.Float64Flag{
	Name:  "lr",
	Value: coordinator.DefaultLearningRate,
	Usage: "Learning rate of the gradient steps.",
}

var epochsFlag = &cli.IntFlag{
	Name:  "epochs",
	Value: coordinator.DefaultEpochsPerRound,
	Usage: "Number of passes over the data.",
}

var batchCapFlag = &cli.IntFlag{
	Name:  "batch-cap",
	Usage: "Train on at most this many leading rows, 0 uses every row.",
}

var normalizeFlag = &cli.StringFlag{
	Name:  "normalize",
	Value: string(dataset.ZScore),
	Usage: "Feature normalization: zscore, scale or none.",
}

var initFlag = &cli.Float64Flag{
	Name:  "init",
	Usage: "Initial value of every coefficient (bias starts at 0).",
}

var nodesFlag = &cli.StringFlag{
	Name:  "nodes",
	Usage: "Comma separated node ids whose weights are fetched from the bucket.",
}

var generateCmd = &cli.Command{
	Name:  "generate",
	Usage: "Generate a synthetic patient cohort as CSV.",
	Flags: toArray(regionDataFlag, samplesFlag, seedFlag, outFlag),
	Action: func(c *cli.Context) error {
		p := dataset.ProfileFor(c.String(regionDataFlag.Name))
		patients, err := dataset.Generate(p, c.Int(samplesFlag.Name), c.Int64(seedFlag.Name))
		if err != nil {
			return err
		}
		var buff bytes.Buffer
		if err := dataset.WriteCSV(&buff, patients); err != nil {
			return fmt.Errorf("encoding cohort: %w", err)
		}
		if !c.IsSet(outFlag.Name) {
			_, err := output.Write(buff.Bytes())
			return err
		}
		if err := fs.WriteSecureFile(c.String(outFlag.Name), buff.Bytes()); err != nil {
			return err
		}
		fmt.Fprintf(output, "generated %d %s patients into %s\n", len(patients), p.Prefix, c.String(outFlag.Name))
		return nil
	},
}

var trainCmd = &cli.Command{
	Name:  "train",
	Usage: "Train on a local CSV file and write the node weight document.",
	Flags: toArray(dataFlag, trainNodeFlag, lrFlag, epochsFlag, batchCapFlag, normalizeFlag,
		initFlag, outFlag, bucketFlag, regionFlag),
	Action: func(c *cli.Context) error {
		report, err := trainLocal(c)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "node %s: %d samples, loss %.4f, accuracy %.2f%%, %d bytes leave the node\n",
			report.NodeID, report.NSamples, report.FinalLoss, 100*report.FinalAccuracy, len(data))
		if c.IsSet(bucketFlag.Name) {
			_, s3, err := exporters(c)
			if err != nil {
				return err
			}
			location, err := s3.PutReport(c.Context, report)
			if err != nil {
				return err
			}
			fmt.Fprintf(output, "weights uploaded to %s\n", location)
		}
		if c.IsSet(outFlag.Name) {
			return fs.WriteSecureFile(c.String(outFlag.Name), data)
		}
		if !c.IsSet(bucketFlag.Name) {
			fmt.Fprintln(output, string(data))
		}
		return nil
	},
}

func trainLocal(c *cli.Context) (*model.NodeReport, error) {
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	norm, err := dataset.ParseNormalization(c.String(normalizeFlag.Name))
	if err != nil {
		return nil, err
	}
	raw, err := dataset.NewCSVSource(c.String(dataFlag.Name)).Load(ctx)
	if err != nil {
		return nil, err
	}
	data, err := dataset.Normalize(raw, norm)
	if err != nil {
		return nil, err
	}
	params := model.TrainingParams{
		LearningRate: c.Float64(lrFlag.Name),
		Epochs:       c.Int(epochsFlag.Name),
		BatchCap:     c.Int(batchCapFlag.Name),
	}
	res, err := trainer.Train(model.NewWeights(data.Width(), c.Float64(initFlag.Name)), data, params)
	if err != nil {
		return nil, err
	}
	eval, err := trainer.Evaluate(res.Weights, data)
	if err != nil {
		return nil, err
	}
	return &model.NodeReport{
		NodeID:        strings.ToLower(c.String(trainNodeFlag.Name)),
		Weights:       res.Weights.Coefficients,
		Bias:          res.Weights.Bias,
		NSamples:      res.Samples,
		FinalLoss:     eval.Loss,
		FinalAccuracy: eval.Accuracy,
	}, nil
}

var aggregateCmd = &cli.Command{
	Name:      "aggregate",
	Usage:     "Average node weight documents into the global model export.",
	ArgsUsage: "<weights.json>... are node weight documents written by the train command",
	Flags:     toArray(outFlag, bucketFlag, regionFlag, nodesFlag),
	Action: func(c *cli.Context) error {
		return aggregateReports(c)
	},
}

func loadReports(c *cli.Context, s3 *export.S3Exporter) ([]*model.NodeReport, error) {
	var reports []*model.NodeReport
	var errs *multierror.Error
	for _, file := range c.Args().Slice() {
		data, err := os.ReadFile(file)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		r := new(model.NodeReport)
		if err := json.Unmarshal(data, r); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("decoding %s: %w", file, err))
			continue
		}
		if r.NodeID == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s: weight document without node id", file))
			continue
		}
		reports = append(reports, r)
	}
	if s3 != nil && c.IsSet(nodesFlag.Name) {
		for _, id := range strings.Split(c.String(nodesFlag.Name), ",") {
			r, err := s3.FetchReport(c.Context, strings.ToLower(strings.TrimSpace(id)))
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			reports = append(reports, r)
		}
	}
	return reports, errs.ErrorOrNil()
}

func aggregateReports(c *cli.Context) error {
	exps, s3, err := exporters(c)
	if err != nil {
		return err
	}
	reports, loadErr := loadReports(c, s3)
	if len(reports) == 0 {
		if loadErr == nil {
			loadErr = errors.New("no weight documents given")
		}
		return fmt.Errorf("no weights found: %w", loadErr)
	}
	if loadErr != nil {
		fmt.Fprintf(output, "skipping unreadable weights: %v\n", loadErr)
	}

	updates := make([]*model.Update, len(reports))
	largest := 0
	for i, r := range reports {
		updates[i] = r.Update(1)
		if r.NSamples > largest {
			largest = r.NSamples
		}
		fmt.Fprintf(output, "  %s: %d samples, accuracy %.2f%%\n", r.NodeID, r.NSamples, 100*r.FinalAccuracy)
	}
	g, err := aggregator.NewFedAvg().Aggregate(1, updates)
	if err != nil {
		return err
	}
	e := g.Export()
	stats, err := export.ComputeStats(e, largest)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "global model from %v: %s\n", e.NodesAggregated, stats)

	if len(exps) == 0 {
		data, err := e.Marshal()
		if err != nil {
			return err
		}
		fmt.Fprintln(output, string(data))
		return nil
	}
	location, err := export.Multi(exps).Export(c.Context, e)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "global model saved to %s\n", location)
	return nil
}
