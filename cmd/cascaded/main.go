/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/viper"

	"github.com/cascade-dns/cascade/cascade"
)

var appVersion string

const defaultCfgFile = "/etc/cascade/cascaded.yaml"

func mainloop(cancel context.CancelFunc, conf *cascade.Config, pstore *cascade.PolicyStore) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hupper := make(chan os.Signal, 1)
	signal.Notify(hupper, syscall.SIGHUP)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		for {
			select {
			case <-exit:
				log.Println("mainloop: exit signal received, shutting down")
				cancel()
				wg.Done()
				return
			case <-hupper:
				log.Println("mainloop: SIGHUP received, reloading policies")
				if warnings, err := pstore.LoadDir(); err != nil {
					log.Printf("mainloop: policy reload failed: %v", err)
				} else {
					for _, w := range warnings {
						log.Printf("mainloop: policy reload: %s", w)
					}
				}
			}
		}
	}()
	wg.Wait()
	log.Println("mainloop: leaving signal dispatcher")
}

func main() {
	viper.SetConfigFile(defaultCfgFile)
	if cf := os.Getenv("CASCADED_CONFIG"); cf != "" {
		viper.SetConfigFile(cf)
	}
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("cascaded: could not load config %s: %v", viper.ConfigFileUsed(), err)
	}

	conf, err := cascade.ValidateConfig(nil)
	if err != nil {
		log.Fatalf("cascaded: %v", err)
	}
	if err := cascade.ValidateZones(conf); err != nil {
		log.Fatalf("cascaded: %v", err)
	}
	conf.App.Name = "cascaded"
	conf.App.Version = appVersion

	if err := cascade.SetupLogging(conf.Log); err != nil {
		log.Fatalf("cascaded: %v", err)
	}
	log.Printf("cascaded version %s starting", appVersion)

	pstore := cascade.NewPolicyStore(conf.PolicyDir)
	if warnings, err := pstore.LoadDir(); err != nil {
		log.Fatalf("cascaded: loading policies from %s: %v", conf.PolicyDir, err)
	} else {
		for _, w := range warnings {
			log.Printf("cascaded: policy load: %s", w)
		}
	}

	kdb, err := cascade.NewKeyDB(conf.Db.File)
	if err != nil {
		log.Fatalf("cascaded: opening key database %s: %v", conf.Db.File, err)
	}

	kmip := cascade.NewKmipStore(conf.StateDir)
	if err := kmip.LoadDir(); err != nil {
		log.Fatalf("cascaded: loading KMIP registry: %v", err)
	}

	registry := cascade.NewZoneRegistry()
	publish := cascade.NewRegistry()
	keys := cascade.NewKeyManager(kdb)
	signer := cascade.NewSigner(keys)
	reviews := cascade.NewReviewServer()

	resignCh := make(chan cascade.ResignEvent, 64)
	scheduler := cascade.NewScheduler(resignCh)

	notifyCh := make(chan cascade.NotifyRequest, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch := cascade.NewOrchestrator(registry, publish, cascade.ZonefileLoader{}, keys, signer, reviews, scheduler, notifyCh, conf.StateDir)
	orch.Start(ctx)

	go scheduler.Run(ctx)
	go func() {
		if err := cascade.Notifier(ctx, notifyCh); err != nil {
			log.Printf("cascaded: notifier: %v", err)
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-resignCh:
				if !ok {
					return
				}
				orch.Submit(ctx, cascade.Event{Kind: cascade.EvResignZone, Zone: ev.Zone, Trigger: ev.Trigger})
			}
		}
	}()

	if err := loadConfiguredZones(conf, registry, publish, pstore, keys, orch); err != nil {
		log.Fatalf("cascaded: loading configured zones: %v", err)
	}

	srv := &cascade.Server{
		ConfigPath:   viper.ConfigFileUsed(),
		Registry:     registry,
		Publish:      publish,
		Policies:     pstore,
		Orchestrator: orch,
		Reviews:      reviews,
		Scheduler:    scheduler,
		Keys:         keys,
		Kmip:         kmip,
		StateDir:     conf.StateDir,
	}
	srv.SetConfig(conf)

	router, err := srv.SetupRouter()
	if err != nil {
		log.Fatalf("cascaded: setting up API router: %v", err)
	}

	apidone := make(chan struct{})
	defer close(apidone)
	if err := cascade.Dispatch(&conf.Apiserver, router, apidone); err != nil {
		log.Fatalf("cascaded: starting API dispatcher: %v", err)
	}

	mainloop(cancel, conf, pstore)
}

// loadConfiguredZones registers every zone named in conf.Zones, loads its
// initial instance, and ensures its signing keys exist, wiring each zone
// into the registry, publisher, and orchestrator.
func loadConfiguredZones(conf *cascade.Config, registry *cascade.ZoneRegistry, publish *cascade.Registry, pstore *cascade.PolicyStore, keys *cascade.KeyManager, orch *cascade.Orchestrator) error {
	for name, zc := range conf.Zones {
		policy, err := pstore.Get(zc.Policy)
		if err != nil {
			return fmt.Errorf("zone %s: policy %q: %w", name, zc.Policy, err)
		}

		var src cascade.Source
		if zc.Zonefile != "" {
			src.Zonefile = zc.Zonefile
		} else if zc.Primary != "" {
			src.Server = &cascade.ServerSource{Addr: zc.Primary, TsigKey: zc.TsigKey}
		}

		z := cascade.NewZone(name, policy, src, zoneSaveFunc(conf.StateDir, registry, name))
		if err := registry.Add(z); err != nil {
			return fmt.Errorf("zone %s: %w", name, err)
		}
		if _, err := publish.AddZone(name); err != nil {
			return fmt.Errorf("zone %s: %w", name, err)
		}
		if _, err := keys.EnsureActiveKeys(name, policy.KeyMgr); err != nil {
			return fmt.Errorf("zone %s: ensuring signing keys: %w", name, err)
		}

		orch.Submit(context.Background(), cascade.Event{Kind: cascade.EvReloadZone, Zone: name})
		log.Printf("cascaded: zone %s registered, reload submitted", name)
	}
	return nil
}

func zoneSaveFunc(stateDir string, registry *cascade.ZoneRegistry, name string) func() {
	if stateDir == "" {
		return nil
	}
	return func() {
		z, err := registry.Get(name)
		if err != nil {
			return
		}
		if err := cascade.WriteZoneState(stateDir, z); err != nil {
			log.Printf("cascaded: zone %s: writing zone state: %v", name, err)
		}
	}
}
