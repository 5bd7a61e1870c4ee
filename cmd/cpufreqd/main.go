/*


Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kr/pretty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	ctrlMetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/faux123/tuna/internal/config"
	"github.com/faux123/tuna/internal/control"
	"github.com/faux123/tuna/internal/cpufreq"
	"github.com/faux123/tuna/internal/monitoring"
	"github.com/faux123/tuna/internal/notify"
	"github.com/faux123/tuna/internal/platform"
	"github.com/faux123/tuna/internal/sysfs"
	"github.com/faux123/tuna/internal/thermal"
	"github.com/faux123/tuna/internal/voltage"
)

var (
	setupLog = ctrl.Log.WithName("setup")
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration file. Built-in defaults apply when empty.")
	logOpts := zap.Options{}
	logOpts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(
		zap.UseDevMode(true),
		func(o *zap.Options) {
			o.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
		zap.UseFlagOptions(&logOpts),
	),
	)

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			setupLog.Error(err, "unable to load configuration", "path", configPath)
			os.Exit(1)
		}
	}
	setupLog.V(1).Info("effective configuration", "config", pretty.Sprint(cfg))

	var (
		provider cpufreq.TableProvider = sysfs.TableProvider{CPU: cfg.CPU}
		spec     platform.Spec
	)
	if cfg.Platform != config.PlatformSysfs {
		var err error
		if spec, err = platform.Lookup(cfg.Platform); err == nil {
			spec, err = spec.WithEnabled(cfg.EnableFrequencies...)
		}
		if err != nil {
			setupLog.Error(err, "unable to select platform", "platform", cfg.Platform)
			os.Exit(1)
		}
		provider = platform.Provider{Spec: spec}
		setupLog.Info("platform selected", "platform", spec.Name, "clock", spec.ClockName)
	}

	cpus, err := sysfs.OnlineCPUs()
	if err != nil {
		setupLog.Error(err, "unable to list online cpus")
		os.Exit(1)
	}

	lpj, err := sysfs.LoopsPerJiffy(cfg.TickRate)
	if err != nil {
		setupLog.Error(err, "unable to read delay loop calibration, continuing without")
	}
	calibration := cpufreq.NewCalibration(lpj, lpj[cfg.CPU])

	if err := os.MkdirAll(filepath.Dir(cfg.HotplugLock), 0755); err != nil {
		setupLog.Error(err, "unable to create hotplug lock directory", "path", cfg.HotplugLock)
		os.Exit(1)
	}

	transitions := monitoring.NewTransitionCounter(platform.MPUDevice)
	notifiers := notify.Multi{notify.NewLogNotifier(), transitions}

	var mqttClient control.Client
	if cfg.MQTT.Broker != "" {
		client, err := notify.Connect(cfg)
		if err != nil {
			setupLog.Error(err, "unable to connect to mqtt broker", "broker", cfg.MQTT.Broker)
			os.Exit(1)
		}
		defer client.Disconnect(250)
		mqttClient = client
		notifiers = append(notifiers, notify.NewMQTTNotifier(client, cfg))
	}

	controller := cpufreq.NewController(cpufreq.ControllerOpts{
		Device:      platform.MPUDevice,
		Table:       cpufreq.NewSharedTable(provider, platform.MPUDevice),
		Scaler:      sysfs.NewScaler(cfg.CPU),
		Cores:       sysfs.NewHotplugGuard(cfg.HotplugLock),
		Notifier:    notifiers,
		Calibration: calibration,
	})
	if err := controller.Register(); err != nil {
		setupLog.Error(err, "unable to register cpufreq controller")
		os.Exit(1)
	}
	defer controller.Unregister()

	if cfg.ScreenOffMaxFreq != 0 {
		capped, err := controller.StoreScreenOffCap(cfg.ScreenOffMaxFreq)
		if err != nil {
			setupLog.Error(err, "unable to set screen-off cap", "requested", cfg.ScreenOffMaxFreq)
			os.Exit(1)
		}
		setupLog.Info("screen-off cap configured", "cap", capped)
	}

	var voltages control.VoltageTable
	if cfg.Voltage.Enabled {
		voltages = voltage.NewOverride(controller, sysfs.NewUVTableRail(cfg.CPU), spec.CoreFloor)
	}

	monitoring.RegisterCPUFreqCollectors(ctrlMetrics.Registry, platform.MPUDevice, controller, calibration, cpus,
		ctrl.Log.WithName(monitoring.LogTopName))
	ctrlMetrics.Registry.MustRegister(transitions)

	runnables := map[string]manager.Runnable{
		"metrics": newMetricsServer(cfg.Metrics.Address),
	}
	if cfg.Thermal.Enabled {
		runnables["thermal"] = thermal.NewPoller(
			sysfs.CoolingDevice{ID: cfg.Thermal.CoolingDevice},
			controller,
			&thermal.PollerOpts{SamplePeriod: cfg.Thermal.SamplePeriod},
		)
	}
	if mqttClient != nil {
		runnables["control"] = control.NewHandler(cfg, mqttClient, controller, voltages)
	}

	ctx, cancel := context.WithCancel(ctrl.SetupSignalHandler())
	defer cancel()

	setupLog.Info("starting cpufreqd", "instance", cfg.InstanceID, "cpus", cpus)
	failed := run(ctx, cancel, runnables)
	setupLog.Info("cpufreqd stopped")
	if failed {
		os.Exit(1)
	}
}

// run starts every runnable and blocks until all returned. The first failure
// cancels the others.
func run(ctx context.Context, cancel context.CancelFunc, runnables map[string]manager.Runnable) bool {
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		failed    bool
	)
	for name, runnable := range runnables {
		name, runnable := name, runnable
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if err := runnable.Start(ctx); err != nil {
				setupLog.Error(err, "problem running component", "component", name)
				mutex.Lock()
				failed = true
				mutex.Unlock()
				cancel()
			}
		}()
	}
	waitGroup.Wait()
	return failed
}

func newMetricsServer(address string) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(ctrlMetrics.Registry, promhttp.HandlerOpts{}))
		mux.Handle("/healthz", &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}})

		server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()

		setupLog.Info("serving metrics", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}
