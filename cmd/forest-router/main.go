// Command forest-router runs a single Forest overlay-network router:
// it loads the four config-file grammars, builds the forwarding tables,
// and drives the main loop until its finish time elapses or it is
// interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jonturner53/forest-net-sub002/internal/config"
	"github.com/jonturner53/forest-net-sub002/internal/forest"
	"github.com/jonturner53/forest-net-sub002/internal/metrics"
	"github.com/jonturner53/forest-net-sub002/internal/pktstore"
	"github.com/jonturner53/forest-net-sub002/internal/qmgr"
	"github.com/jonturner53/forest-net-sub002/internal/router"
)

const (
	defaultNumDescs      = 10000
	defaultNumBufs       = 2000
	defaultComtreeCap    = 1000
	defaultRouteCap      = 100000
	defaultQueueCapacity = 500
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "forest-router",
		Short: "Run a Forest overlay-network router",
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		addrStr     string
		ifaceFile   string
		linkFile    string
		comtreeFile string
		routeFile   string
		finish      time.Duration
		metricsAddr string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the router main loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRouter(runOpts{
				addrStr:     addrStr,
				ifaceFile:   ifaceFile,
				linkFile:    linkFile,
				comtreeFile: comtreeFile,
				routeFile:   routeFile,
				finish:      finish,
				metricsAddr: metricsAddr,
				logLevel:    logLevel,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addrStr, "addr", "", "this router's own forest address, as zip.local")
	flags.StringVar(&ifaceFile, "iface-file", "", "interface config file")
	flags.StringVar(&linkFile, "link-file", "", "link config file")
	flags.StringVar(&comtreeFile, "comtree-file", "", "comtree config file")
	flags.StringVar(&routeFile, "route-file", "", "route config file")
	flags.DurationVar(&finish, "finish", 0, "run duration, 0 = forever")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, empty = disabled")
	flags.StringVar(&logLevel, "log-level", "info", "panic|fatal|error|warn|info|debug|trace")
	for _, name := range []string{"addr", "iface-file", "link-file", "comtree-file", "route-file"} {
		cmd.MarkFlagRequired(name)
	}

	return cmd
}

type runOpts struct {
	addrStr     string
	ifaceFile   string
	linkFile    string
	comtreeFile string
	routeFile   string
	finish      time.Duration
	metricsAddr string
	logLevel    string
}

func parseForestAddr(s string) (forest.Addr, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return 0, errors.Errorf("forest address %q must be zip.local", s)
	}
	zip, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "forest address %q", s)
	}
	local, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "forest address %q", s)
	}
	return forest.NewUnicastAddr(uint16(zip), uint16(local)), nil
}

func runRouter(opts runOpts) error {
	log := logrus.New()
	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid --log-level %q", opts.logLevel)
	}
	log.SetLevel(level)

	myAdr, err := parseForestAddr(opts.addrStr)
	if err != nil {
		return err
	}

	ifaceF, err := os.Open(opts.ifaceFile)
	if err != nil {
		return errors.Wrap(err, "opening --iface-file")
	}
	defer ifaceF.Close()
	it, err := config.LoadInterfaces(ifaceF)
	if err != nil {
		return errors.Wrap(err, "loading --iface-file")
	}

	linkF, err := os.Open(opts.linkFile)
	if err != nil {
		return errors.Wrap(err, "opening --link-file")
	}
	defer linkF.Close()
	lt, err := config.LoadLinks(linkF)
	if err != nil {
		return errors.Wrap(err, "loading --link-file")
	}

	comtreeF, err := os.Open(opts.comtreeFile)
	if err != nil {
		return errors.Wrap(err, "opening --comtree-file")
	}
	defer comtreeF.Close()
	ct, quanta, err := config.LoadComtrees(comtreeF, defaultComtreeCap, lt, myAdr)
	if err != nil {
		return errors.Wrap(err, "loading --comtree-file")
	}

	routeF, err := os.Open(opts.routeFile)
	if err != nil {
		return errors.Wrap(err, "opening --route-file")
	}
	defer routeF.Close()
	rt, err := config.LoadRoutes(routeF, defaultRouteCap, myAdr)
	if err != nil {
		return errors.Wrap(err, "loading --route-file")
	}

	ps := pktstore.New(defaultNumDescs, defaultNumBufs)
	qm := qmgr.New(ps, lt, defaultQueueCapacity)
	for _, qs := range quanta {
		qm.SetQuantum(qs.Link, qs.QueueNum, qs.Quantum)
	}

	rec := metrics.New()
	if opts.metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", rec.Handler())
			log.WithField("addr", opts.metricsAddr).Info("serving metrics")
			if err := http.ListenAndServe(opts.metricsAddr, mux); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	r := router.New(router.Config{
		PS: ps, IT: it, LT: lt, CT: ct, RT: rt, QM: qm,
		MyAdr:      myAdr,
		Metrics:    rec,
		Log:        log,
		FinishTime: opts.finish,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	log.WithFields(logrus.Fields{
		"addr":     myAdr,
		"links":    lt.NumLinks(),
		"comtrees": ct.Capacity(),
	}).Info("router starting")

	if err := r.Run(ctx); err != nil && err != context.Canceled {
		return errors.Wrap(err, "router exited")
	}
	return nil
}
