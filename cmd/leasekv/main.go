package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/QuangTung97/leasekv/cluster"
	"github.com/QuangTung97/leasekv/config"
	"github.com/QuangTung97/leasekv/kvstore"
	"github.com/QuangTung97/leasekv/lease_manager"
	"github.com/QuangTung97/leasekv/rpc"
	"github.com/QuangTung97/leasekv/tx_manager"
)

type flags struct {
	configPath string
	id         string
	debug      bool
	local      bool

	tm     string
	read   string
	write  string
	status string

	timeout time.Duration
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "system.json", "path of the system configuration")
	flag.StringVar(&f.id, "id", "", "id of the process to run")
	flag.BoolVar(&f.debug, "debug", false, "enable debug logs")
	flag.BoolVar(&f.local, "local", false, "run every process of the system in this program")

	flag.StringVar(&f.tm, "tm", "", "transaction manager receiving the transaction, client only")
	flag.StringVar(&f.read, "read", "", "comma separated keys to read, client only")
	flag.StringVar(&f.write, "write", "", "comma separated key=value pairs to write, client only")
	flag.StringVar(&f.status, "status", "", "print the status of the process, client only")
	flag.DurationVar(&f.timeout, "timeout", 30*time.Second, "timeout of a client request")
	flag.Parse()
	return f
}

func newLogger(debug bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func main() {
	f := parseFlags()

	logger := newLogger(f.debug)
	defer func() { _ = logger.Sync() }()

	conf, err := config.Load(f.configPath)
	if err != nil {
		logger.Fatal("load config", zap.String("path", f.configPath), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.local {
		err = runLocal(ctx, f, conf, logger)
	} else {
		err = runProcess(ctx, f, conf, logger)
	}
	if err != nil {
		logger.Error("exit", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func runProcess(ctx context.Context, f flags, conf config.SystemConfig, logger *zap.Logger) error {
	processConf, err := conf.ForProcess(f.id)
	if err != nil {
		return err
	}

	caller := rpc.NewTCPCaller(addresses(conf))

	if processConf.Self.Role == config.RoleClient {
		return runClient(ctx, f, rpc.NewTxClient(caller, f.id), conf)
	}

	onCrash := func() {
		logger.Info("process crashed by schedule", zap.String("process", f.id))
		_ = logger.Sync()
		os.Exit(0)
	}

	var server interface {
		Dispatcher() rpc.Dispatcher
		Start()
		Stop()
	}

	switch processConf.Self.Role {
	case config.RoleLeaseManager:
		server = lease_manager.NewServer(processConf, lease_manager.Options{
			Caller:  caller,
			OnCrash: onCrash,
			Logger:  logger,
		})

	default:
		dir := ""
		if conf.DataDir != "" {
			dir = filepath.Join(conf.DataDir, f.id)
		}
		store, err := kvstore.NewBadgerStore(dir, logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		server = tx_manager.NewServer(processConf, tx_manager.Options{
			Caller:  caller,
			Store:   store,
			OnCrash: onCrash,
			Logger:  logger,
		})
	}

	tcpServer, err := rpc.NewTCPServer(processConf.Self.Address, logger)
	if err != nil {
		return err
	}
	logger.Info("process started",
		zap.String("process", f.id),
		zap.String("role", string(processConf.Self.Role)),
		zap.Stringer("addr", tcpServer.Addr()),
	)

	server.Start()
	defer server.Stop()

	go func() {
		<-ctx.Done()
		_ = tcpServer.Close()
	}()
	return tcpServer.Serve(server.Dispatcher())
}

func runLocal(ctx context.Context, f flags, conf config.SystemConfig, logger *zap.Logger) error {
	c, err := cluster.New(conf, cluster.Options{Logger: logger})
	if err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	if f.read == "" && f.write == "" && f.status == "" {
		<-ctx.Done()
		return nil
	}
	return runClient(ctx, f, c.Client(clientID(f, conf)), conf)
}

func clientID(f flags, conf config.SystemConfig) string {
	if f.id != "" {
		return f.id
	}
	clients := conf.ProcessesWithRole(config.RoleClient)
	if len(clients) > 0 {
		return clients[0].ID
	}
	return "client"
}

func runClient(ctx context.Context, f flags, client rpc.TxClient, conf config.SystemConfig) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if f.status != "" {
		resp, err := client.Status(ctx, f.status)
		if err != nil {
			return err
		}
		return printJSON(resp)
	}

	tm := f.tm
	if tm == "" {
		tms := conf.ProcessesWithRole(config.RoleTransactionManager)
		if len(tms) == 0 {
			return errors.New("no transaction manager")
		}
		tm = tms[0].ID
	}

	writeSet, err := parseWriteSet(f.write)
	if err != nil {
		return err
	}

	resp, err := client.SubmitTransaction(ctx, tm, rpc.SubmitTransactionRequest{
		ClientID: f.id,
		ReadKeys: splitList(f.read),
		WriteSet: writeSet,
	})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func addresses(conf config.SystemConfig) map[string]string {
	result := map[string]string{}
	for _, p := range conf.Processes {
		if p.Address != "" {
			result[p.ID] = p.Address
		}
	}
	return result
}

func splitList(s string) []string {
	var result []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

func parseWriteSet(s string) (map[string]string, error) {
	result := map[string]string{}
	for _, pair := range splitList(s) {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid write '%s', must be key=value", pair)
		}
		result[key] = value
	}
	return result, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
