// Command sapcn trains and evaluates the point cloud completion networks.
//
//	sapcn pretrain -config cfg.json            stage 1, the PCN autoencoder
//	sapcn train -config cfg.json -weights pcn  stage 2, the completion module
//	sapcn test -config cfg.json -weights ckpt  evaluation of a stage-1 checkpoint
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-sapcn/sapcn/config"
	"github.com/go-sapcn/sapcn/training"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sapcn <pretrain|train|test> [flags]")
	fmt.Fprintln(os.Stderr, "run 'sapcn <command> -h' for the flags of a command")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "pretrain":
		err = runPretrain(os.Args[2:])
	case "train":
		err = runTrain(os.Args[2:])
	case "test":
		err = runTest(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

// commonFlags are accepted by every command.
type commonFlags struct {
	config *string
	out    *string
	device *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config: fs.String("config", "", "JSON configuration overlaid on the defaults"),
		out:    fs.String("out", "", "output directory, overrides DIR.OUT_PATH"),
		device: fs.String("device", "", "auto, cpu, gpu or cuda; overrides CONST.DEVICE"),
	}
}

// load reads the configuration and applies the flag overrides.
func (c commonFlags) load(override func(cfg *config.Config)) (*config.Config, error) {
	cfg := config.Default()
	if *c.config != "" {
		var err error
		if cfg, err = config.Load(*c.config); err != nil {
			return nil, err
		}
	}
	if *c.out != "" {
		cfg.Dir.OutPath = *c.out
	}
	if *c.device != "" {
		cfg.Const.Device = *c.device
	}
	if override != nil {
		override(cfg)
	}
	return cfg, cfg.Validate()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runPretrain(args []string) error {
	fs := flag.NewFlagSet("pretrain", flag.ExitOnError)
	common := addCommonFlags(fs)
	fs.Parse(args)

	cfg, err := common.load(nil)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	sess := training.NewSession(cfg)
	log.Printf("run %s on %s", sess.RunID, sess.Device)
	return training.PretrainAutoEncoder(ctx, sess, cfg)
}

func runTrain(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	common := addCommonFlags(fs)
	weights := fs.String("weights", "", "stage-1 checkpoint, overrides CONST.PCNWEIGHTS")
	resume := fs.String("resume", "", "stage-2 checkpoint to resume from, overrides CONST.BBWEIGHTS")
	fs.Parse(args)

	cfg, err := common.load(func(cfg *config.Config) {
		if *weights != "" {
			cfg.Const.PCNWeights = *weights
		}
		if *resume != "" {
			cfg.Const.BBWeights = *resume
		}
	})
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	sess := training.NewSession(cfg)
	log.Printf("run %s on %s", sess.RunID, sess.Device)
	return training.TrainBackbone(ctx, sess, cfg)
}

func runTest(args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	common := addCommonFlags(fs)
	weights := fs.String("weights", "", "checkpoint to evaluate, overrides CONST.WEIGHTS")
	fs.Parse(args)

	cfg, err := common.load(func(cfg *config.Config) {
		if *weights != "" {
			cfg.Const.Weights = *weights
		}
	})
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	_, err = training.TestBackbone(ctx, training.NewSession(cfg), cfg, -1, nil, nil, nil)
	return err
}
