package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"farmplots/internal/config"
	"farmplots/internal/sim/modules"
	"farmplots/internal/sim/registry"
	"farmplots/internal/sim/world"
)

// reloadModules re-reads the module section of the config and applies it on
// the world loop: defaults are swapped and every plot drops overrides that
// now equal the default. Other config changes need a restart.
func reloadModules(configPath string, mods *modules.Set, w *world.World, logger *log.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	next := cfg.ModuleSet()
	return w.Do(func(reg *registry.Registry) {
		mods.Replace(next)
		n := reg.NormalizeAll()
		logger.Printf("modules reloaded modules=%v overrides_dropped=%d", mods.Names(), n)
	})
}

// watchReload reloads modules on SIGHUP until ctx ends.
func watchReload(ctx context.Context, configPath string, mods *modules.Set, w *world.World, logger *log.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := reloadModules(configPath, mods, w, logger); err != nil {
					logger.Printf("module reload failed: %v", err)
				}
			}
		}
	}()
}
