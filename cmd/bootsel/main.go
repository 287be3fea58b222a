//go:build tinygo

// Command bootsel is the second-stage selector flashed at a fixed low
// address: it validates the active bank's metadata, falls back or rolls
// back as needed, and jumps into the chosen application bank. It never
// returns — bootsel.Jumper's hardware reboot-to-partition call either
// lands the MCU in the chosen bank's XIP code or, on a hard failure,
// bootsel.Halter spins forever blinking an unmistakable pattern.
package main

import (
	"log/slog"
	"machine"
	"time"

	"openenterprise/bindicator/bootsel"
	"openenterprise/bindicator/flash"
	"openenterprise/bindicator/metadata"
)

func main() {
	time.Sleep(50 * time.Millisecond) // let flash/XIP settle after reset

	logger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dev := flash.NewDevice(flash.NewWatchdogPacer())
	store, err := metadata.NewStore(dev, logger)
	if err != nil {
		logger.Error("bootsel:metadata-init-failed", slog.String("err", err.Error()))
		bootsel.NewHalter().Halt("metadata init failed")
		return
	}

	sel := bootsel.NewSelector(store, dev, bootsel.NewHalter(), bootsel.NewJumper(), logger)
	if err := sel.Select(); err != nil {
		logger.Error("bootsel:select-failed", slog.String("err", err.Error()))
		bootsel.NewHalter().Halt(err.Error())
	}
}
