package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/QuangTung97/leasekv/config"
	"github.com/QuangTung97/leasekv/kvstore"
	"github.com/QuangTung97/leasekv/lease_manager"
	"github.com/QuangTung97/leasekv/rpc"
	"github.com/QuangTung97/leasekv/tx_manager"
)

type Options struct {
	// Now is the clock of the failure schedule of every process, default is time.Now
	Now func() time.Time

	TickInterval time.Duration
	Logger       *zap.Logger
}

// Cluster runs every lease manager and transaction manager of a system in the same program,
// connected by a memory network
type Cluster struct {
	network *rpc.MemoryNetwork
	logger  *zap.Logger

	leaseManagers map[string]*lease_manager.Server
	txManagers    map[string]*tx_manager.Server

	crashed map[string]*crashState
}

type crashState struct {
	once sync.Once
	done chan struct{}
}

type server interface {
	Dispatcher() rpc.Dispatcher
	Start()
	Stop()
}

func New(conf config.SystemConfig, opts Options) (*Cluster, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Cluster{
		network: rpc.NewMemoryNetwork(),
		logger:  opts.Logger,

		leaseManagers: map[string]*lease_manager.Server{},
		txManagers:    map[string]*tx_manager.Server{},

		crashed: map[string]*crashState{},
	}

	for _, p := range conf.Processes {
		processConf, err := conf.ForProcess(p.ID)
		if err != nil {
			return nil, err
		}
		c.crashed[p.ID] = &crashState{done: make(chan struct{})}

		id := p.ID
		onCrash := func() {
			c.Crash(id)
		}

		switch p.Role {
		case config.RoleLeaseManager:
			s := lease_manager.NewServer(processConf, lease_manager.Options{
				Caller:       c.network,
				Now:          opts.Now,
				OnCrash:      onCrash,
				TickInterval: opts.TickInterval,
				Logger:       opts.Logger,
			})
			c.leaseManagers[id] = s
			c.network.Register(id, s.Dispatcher())

		case config.RoleTransactionManager:
			s := tx_manager.NewServer(processConf, tx_manager.Options{
				Caller:       c.network,
				Store:        kvstore.NewMemStore(),
				Now:          opts.Now,
				OnCrash:      onCrash,
				TickInterval: opts.TickInterval,
				Logger:       opts.Logger,
			})
			c.txManagers[id] = s
			c.network.Register(id, s.Dispatcher())

		default:
		}
	}

	return c, nil
}

func (c *Cluster) servers() map[string]server {
	result := map[string]server{}
	for id, s := range c.leaseManagers {
		result[id] = s
	}
	for id, s := range c.txManagers {
		result[id] = s
	}
	return result
}

func (c *Cluster) Start() {
	for _, s := range c.servers() {
		s.Start()
	}
}

// Stop stops every process that has not crashed
func (c *Cluster) Stop() {
	for id := range c.servers() {
		c.Crash(id)
	}
}

// Crash makes the process unreachable then stops its loops, it is idempotent
func (c *Cluster) Crash(id string) {
	state, ok := c.crashed[id]
	if !ok {
		return
	}
	state.once.Do(func() {
		c.logger.Info("process stopped", zap.String("process", id))
		c.network.Stop(id)
		if s, ok := c.servers()[id]; ok {
			s.Stop()
		}
		close(state.done)
	})
}

// Crashed returns a channel closed after the process is stopped
func (c *Cluster) Crashed(id string) <-chan struct{} {
	return c.crashed[id].done
}

// Client returns a client of the transaction managers, identified by id on the network
func (c *Cluster) Client(id string) rpc.TxClient {
	return rpc.NewTxClient(c.network, id)
}

// Network returns the memory network connecting the processes
func (c *Cluster) Network() *rpc.MemoryNetwork {
	return c.network
}

func (c *Cluster) LeaseManager(id string) *lease_manager.Server {
	return c.leaseManagers[id]
}

func (c *Cluster) TxManager(id string) *tx_manager.Server {
	return c.txManagers[id]
}

// SubmitTransaction submits a transaction to the transaction manager tm on behalf of client
func (c *Cluster) SubmitTransaction(
	ctx context.Context, client string, tm string,
	readKeys []string, writeSet map[string]string,
) (rpc.SubmitTransactionResponse, error) {
	return c.Client(client).SubmitTransaction(ctx, tm, rpc.SubmitTransactionRequest{
		ClientID: client,
		ReadKeys: readKeys,
		WriteSet: writeSet,
	})
}
