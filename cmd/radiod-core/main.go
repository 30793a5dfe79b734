// Command radiod-core runs the ingest driver, control-plane
// dispatcher, and channel store as one daemon process.
package main

import (
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/ka9q/radiod-core/internal/channel"
	"github.com/ka9q/radiod-core/internal/config"
	"github.com/ka9q/radiod-core/internal/control"
	"github.com/ka9q/radiod-core/internal/demod"
	"github.com/ka9q/radiod-core/internal/dictionary"
	"github.com/ka9q/radiod-core/internal/frontend"
	"github.com/ka9q/radiod-core/internal/ingest"
	"github.com/ka9q/radiod-core/internal/metrics"
	"github.com/ka9q/radiod-core/internal/preset"
	"github.com/ka9q/radiod-core/internal/scheduler"
	"github.com/ka9q/radiod-core/internal/units"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "daemon bootstrap config YAML file")
	ingestHost := pflag.String("ingest-host", "localhost", "cwsl_websdr server host")
	ingestPort := pflag.Int("ingest-port", 50001, "cwsl_websdr server TCP control port")
	ingestUDPPort := pflag.Int("ingest-udp-port", 50100, "cwsl_websdr IQ UDP port")
	ingestFreq := pflag.String("ingest-freq", "", "initial receiver frequency (e.g. 7.040M); required unless the ingest config sets an explicit receiver")
	iface := pflag.String("interface", "", "network interface for multicast joins")
	version := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *version {
		log.Println("radiod-core (development build)")
		return
	}

	cfg := config.Defaults()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("main: %v", err)
		}
		cfg = loaded
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	presets := preset.Table{}
	if cfg.PresetFile != "" {
		t, err := preset.LoadFile(cfg.PresetFile)
		if err != nil {
			log.Fatalf("main: %v", err)
		}
		presets = t
	}

	fe := frontend.New(192000, cfg.RingCapacity)

	ingestSection := cfg.Ingest
	if ingestSection == nil {
		ingestSection = dictionary.Section{}
	}
	ingestSection["device"] = "cwsl_websdr"
	ingestSection["host"] = *ingestHost
	ingestSection["port"] = strconv.Itoa(*ingestPort)
	ingestSection["udp_port"] = strconv.Itoa(*ingestUDPPort)
	if *ingestFreq != "" {
		ingestSection["frequency"] = *ingestFreq
	}

	driver, err := ingest.Setup(ingestSection, fe)
	if err != nil {
		log.Fatalf("main: ingest setup: %v", err)
	}

	store := channel.NewStore(cfg.ChannelLimit, func(ssrc uint32) (*channel.Channel, error) {
		return channel.New(ssrc, fe), nil
	})

	ifaceName := *iface
	if ifaceName == "" {
		ifaceName = cfg.Interface
	}
	var netIface *net.Interface
	if ifaceName != "" {
		netIface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			log.Fatalf("main: interface %s: %v", ifaceName, err)
		}
	}

	controlSock, err := control.Listen(cfg.ControlGroup, netIface)
	if err != nil {
		log.Fatalf("main: control socket: %v", err)
	}
	statusSock, err := control.Listen(cfg.StatusGroup, netIface)
	if err != nil {
		log.Fatalf("main: status socket: %v", err)
	}

	token := scheduler.NewToken()

	// The DSP/encoder/sender collaborators are external and not linked
	// into this build; the pipeline is still the typed hand-off the
	// dispatcher starts, restarts, and polls channels through.
	pipeline := &demod.Pipeline{Root: token.Context}

	dispatcher := &control.Dispatcher{
		Store:    store,
		Presets:  presets,
		Frontend: fe,
		Control:  controlSock,
		Status:   statusSock,
		Demod:    pipeline,
	}

	reg := prometheus.NewRegistry()
	mx := metrics.New(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.Printf("main: metrics listening on %s", cfg.MetricsListen)
		if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
			log.Printf("main: metrics server: %v", err)
		}
	}()

	if err := driver.Start(token.Context); err != nil {
		log.Fatalf("main: ingest start: %v", err)
	}

	go dispatcher.Serve()
	go statusPollLoop(token, dispatcher, store, pipeline, mx, cfg.StatusInterval)
	go metricsSampleLoop(token, fe, mx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("main: shutting down")
	token.Cancel()
	pipeline.Shutdown()
	driver.Shutdown()
	controlSock.Close()
	statusSock.Close()
}

func statusPollLoop(token scheduler.Token, d *control.Dispatcher, store *channel.Store, pipeline *demod.Pipeline, mx *metrics.Metrics, interval int) {
	if interval <= 0 {
		interval = 5
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-token.Done():
			return
		case <-ticker.C:
			d.PollTick(interval)
			store.Tick(func(c *channel.Channel) {
				log.Printf("main: channel %d expired (idle)", c.Output.SSRC)
				pipeline.Stop(c.Output.SSRC)
				mx.RemoveChannel(strconv.FormatUint(uint64(c.Output.SSRC), 10))
			})
			mx.ChannelCount.Set(float64(store.Len()))
			store.Each(func(_ int, c *channel.Channel) {
				ssrc := strconv.FormatUint(uint64(c.Output.SSRC), 10)
				mx.SampleChannel(ssrc, c.Output.Packets, c.Output.Bytes, c.Output.Errors)
			})
		}
	}
}

func metricsSampleLoop(token scheduler.Token, fe *frontend.Frontend, mx *metrics.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastSamples, lastOverranges uint64
	for {
		select {
		case <-token.Done():
			return
		case <-ticker.C:
			samples := fe.Samples()
			overranges := fe.Overranges()
			mx.SampleFrontend(samples-lastSamples, overranges-lastOverranges, float64(units.PowerToDB(fe.IFPower())))
			lastSamples, lastOverranges = samples, overranges
		}
	}
}
