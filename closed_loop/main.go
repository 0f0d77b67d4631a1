package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"chassis-motion-core/utils"
)

func main() {
	var (
		iface       = flag.String("iface", "vcan0", "SocketCAN interface name")
		mapPath     = flag.String("map", "config/can/can_map.csv", "Path to can_map.csv")
		routinePath = flag.String("routine", "closed_loop/routines/default.json", "Routine JSON file")
		logLevel    = flag.String("log", "info", "trace|debug|info|warn|error|critical")
		sim         = flag.Bool("sim", false, "Drive the simulated chassis instead of the CAN bus")
		broker      = flag.String("mqtt", "", "MQTT broker for pose telemetry, e.g. tcp://localhost:1883")
		padPort     = flag.String("gamepad", "", "Serial port of the operator gamepad")
		padBaud     = flag.Int("gamepad-baud", 115200, "Gamepad serial baud rate")
		clampPin    = flag.String("clamp-pin", "", "GPIO pin driving the clamp (default: CAN)")
		skipAuton   = flag.Bool("skip-auton", false, "Skip the autonomous steps")
		skipTeleop  = flag.Bool("skip-teleop", false, "Exit after the autonomous steps")
	)
	flag.Parse()

	level := utils.ParseLevel(*logLevel)

	log, err := utils.NewFileLogger("closed_loop.log", level, true)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open closed_loop.log: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	cfg := RunnerConfig{
		Interface:   *iface,
		MapPath:     *mapPath,
		RoutinePath: *routinePath,
		Sim:         *sim,
		MQTTBroker:  *broker,
		GamepadPort: *padPort,
		GamepadBaud: *padBaud,
		ClampPin:    *clampPin,
		SkipAuton:   *skipAuton,
		SkipTeleop:  *skipTeleop,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, cfg, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		runner.Close()
		log.Close()
		os.Exit(1)
	}
}
