// Command vent runs the entropy driver against an in-process device backend
// and logs each batch of bytes it would feed to the kernel pool. It exists to
// exercise the driver end to end from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/c35s/vent/virtio"
	"github.com/c35s/vent/virtio/virtiotest"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

type config struct {
	RingSize      int           `yaml:"ring_size"`
	BufferSize    int           `yaml:"buffer_size"`
	SeedInterval  time.Duration `yaml:"seed_interval"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// logSink logs entropy instead of crediting a kernel pool.
type logSink struct{}

func (logSink) AddEntropy(p []byte) {
	slog.Info("entropy received", "bytes", len(p))
}

func main() {

	var (
		cfgPath  = flag.String("config", "", "load config from a YAML file")
		interval = flag.Duration("interval", time.Second, "set the seeding interval")
	)

	flag.Parse()

	cfg := config{SeedInterval: *interval}
	if *cfgPath != "" {
		loaded, err := loadConfig(*cfgPath)
		if err != nil {
			panic(err)
		}

		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dev := virtiotest.New(virtiotest.Config{})

	// the backend outlives the signal context so a request that is in
	// flight at shutdown can still complete while the driver closes
	bctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		return dev.Serve(bctx)
	})

	drv, err := virtio.New(dev, virtio.Config{
		RingSize:      cfg.RingSize,
		BufferSize:    cfg.BufferSize,
		SeedInterval:  cfg.SeedInterval,
		ShutdownGrace: cfg.ShutdownGrace,
		Sink:          logSink{},
	})

	if err != nil {
		panic(err)
	}

	<-ctx.Done()

	if err := drv.Close(); err != nil {
		panic(err)
	}

	cancel()

	if err := g.Wait(); err != nil {
		panic(err)
	}
}

func loadConfig(path string) (cfg config, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("vent: load config %s: %w", path, err)
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config{}, err
	}

	return cfg, nil
}
