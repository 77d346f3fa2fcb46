// Command fusion runs the multi-static passive-radar fusion engine: it
// listens for client query registrations on a length-prefixed TCP socket,
// polls the configured receivers and ADS-B source on a fixed tick, and
// serves each registered query's latest fused reply.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/offworldlab/3lips/internal/archive"
	"github.com/offworldlab/3lips/internal/config"
	"github.com/offworldlab/3lips/internal/fusion"
	"github.com/offworldlab/3lips/internal/messaging"
)

var (
	tuningPath = flag.String("tuning", "", "path to a tuning config JSON file (defaults to config/tuning.defaults.json)")
	tickPeriod = flag.Duration("tick", 1*time.Second, "fusion loop tick period")
)

func main() {
	flag.Parse()

	cfg := config.MustLoadFromEnv()
	if *tuningPath != "" {
		cfg.TuningPath = *tuningPath
	}

	tuning := config.MustLoadDefaultConfig()
	if cfg.TuningPath != "" {
		overrides, err := config.LoadTuningConfig(cfg.TuningPath)
		if err != nil {
			log.Fatalf("loading tuning overrides from %s: %v", cfg.TuningPath, err)
		}
		tuning = mergeTuning(tuning, overrides)
	}

	var archiveStore *archive.Store
	if cfg.ArchiveDBPath != "" {
		var err error
		archiveStore, err = archive.Open(cfg.ArchiveDBPath)
		if err != nil {
			log.Fatalf("opening archive database %s: %v", cfg.ArchiveDBPath, err)
		}
		defer archiveStore.Close()
		log.Printf("archiving ticks to %s", cfg.ArchiveDBPath)
	}

	engine := fusion.New(cfg, tuning, archiveStore)
	defer engine.Close()

	if tuning.GetThreeLipsSave() && cfg.SavePath != "" {
		if err := engine.EnableNDJSON(cfg.SavePath); err != nil {
			log.Fatalf("opening tick log %s: %v", cfg.SavePath, err)
		}
		log.Printf("logging ticks to %s", cfg.SavePath)
	}

	server := messaging.NewServer(cfg.ListenAddr, engine.Store)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil && ctx.Err() == nil {
			log.Printf("messaging server error: %v", err)
		}
		log.Print("messaging server stopped")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Loop(ctx, *tickPeriod)
		log.Print("fusion loop stopped")
	}()

	log.Printf("fusion engine listening on %s, tick period %s", cfg.ListenAddr, *tickPeriod)

	<-ctx.Done()
	log.Print("shutdown signal received, draining...")
	if err := server.Close(); err != nil {
		log.Printf("closing messaging server: %v", err)
	}

	wg.Wait()
	log.Print("graceful shutdown complete")
}

// mergeTuning layers override fields onto defaults: every pointer field set
// in overrides replaces the default, every nil field leaves the default in
// place. TuningConfig's fields are all pointers expressly so this kind of
// partial overlay never needs per-field code when a knob is added.
func mergeTuning(defaults, overrides *config.TuningConfig) *config.TuningConfig {
	merged := *defaults
	dst := reflect.ValueOf(&merged).Elem()
	src := reflect.ValueOf(overrides).Elem()
	for i := 0; i < src.NumField(); i++ {
		field := src.Field(i)
		if field.Kind() == reflect.Ptr && !field.IsNil() {
			dst.Field(i).Set(field)
		}
	}
	return &merged
}
