//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"log/slog"
	"machine"
	"net/netip"
	"time"

	"openenterprise/bindicator/config"
	"openenterprise/bindicator/credentials"
	"openenterprise/bindicator/flash"
	"openenterprise/bindicator/manager"
	"openenterprise/bindicator/metadata"
	"openenterprise/bindicator/notify"
	"openenterprise/bindicator/sink"
	"openenterprise/bindicator/telemetry"
	"openenterprise/bindicator/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
)

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 99}

// Functional watchdog state: when systemHealthy goes false, the device
// stops feeding the watchdog and waits for the hardware timeout to reset
// it, falling back to a software reset if that somehow doesn't happen.
var systemHealthy = true

// fatalError waits for the watchdog to reset the device, falling back to
// a software reset if the watchdog somehow doesn't fire.
func fatalError(msg string) {
	println(msg)
	systemHealthy = false
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("watchdog timeout - forcing software reset...")
	romRebooter{}.Reboot()
	for {
		time.Sleep(time.Second)
	}
}

func main() {
	time.Sleep(2 * time.Second) // give time to connect to USB and monitor output.
	println("========================================")
	println("  OTA core")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12), // above ERROR(8): the lneto stack logs dropped packets at error level under normal WiFi noise
	}))

	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 8000})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	dev := flash.NewDevice(flash.NewWatchdogPacer())
	store, err := metadata.NewStore(dev, logger)
	if err != nil {
		logger.Error("metadata:init-failed", slog.String("err", err.Error()))
		fatalError("metadata store init failed - waiting for reset...")
		return
	}

	mgr := manager.NewManager(store, dev, logger)
	mgr.SetRebooter(romRebooter{})
	mgr.SetQuiesceHooks(telemetry.Pause, telemetry.Resume)

	rec := store.Read()
	bootPartition := "A"
	if rec.ActiveBank == flash.BankB {
		bootPartition = "B"
	}
	shortSHA := version.GitSHA
	if len(shortSHA) > 7 {
		shortSHA = shortSHA[:7]
	}
	logger.Info("init:complete",
		slog.String("version", version.Version),
		slog.String("sha", shortSHA),
		slog.String("partition", bootPartition),
		slog.Bool("rollback_occurred", rec.RollbackOccurred),
	)

	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "ota-core",
			MaxTCPPorts: 2, // firmware sink + rollback announce
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
		return
	}
	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("DHCP failed - waiting for reset...")
		return
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))

	stack := cystack.LnetoStack()

	collectorAddr, err := config.TelemetryCollectorAddr()
	if err != nil {
		logger.Warn("telemetry:config-invalid", slog.String("err", err.Error()))
	} else if err := telemetry.Init(stack, logger, collectorAddr); err != nil {
		logger.Warn("telemetry:init-failed", slog.String("err", err.Error()))
	}

	if topic := config.RollbackAnnounceTopic(); topic != "" {
		if brokerAddr, err := config.MqttBrokerAddr(); err == nil {
			mgr.SetRollbackNotifier(notify.NewRollbackAnnouncer(stack, brokerAddr, logger))
		} else {
			logger.Warn("notify:broker-invalid", slog.String("err", err.Error()))
		}
	}
	if rec.RollbackOccurred {
		logger.Warn("boot:rollback-occurred", slog.Uint64("count", uint64(rec.RollbackCount)))
	}

	sess := sink.NewSession(mgr, logger)
	sess.SetAuthSecret(credentials.OTAAuthSecret())

	rxBuf := make([]byte, 4096)
	txBuf := make([]byte, 4096)
	go sess.Serve(stack, config.ListenPort(), rxBuf, txBuf, 30*time.Second, config.AutoDisableTimeout(), logger)
	logger.Info("sink:listening", slog.Int("port", int(config.ListenPort())))

	for {
		feedWatchdogIfHealthy()
		time.Sleep(time.Second)
	}
}

// feedWatchdogIfHealthy only feeds the watchdog if the system is
// healthy; when unhealthy, the watchdog is left to time out and reset
// the device.
func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

// loopForeverStack processes network packets in the background.
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}
