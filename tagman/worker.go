package tagman

import (
	"context"
	"sync"
	"time"

	"opclink/logging"
	"opclink/uaclient"
)

// serverStateNode is Server_ServerStatus_State, read as a liveness check.
const serverStateNode = "i=2259"

// serverWorker keeps one server connected and monitored.
type serverWorker struct {
	srv      *ManagedServer
	manager  *Manager
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newServerWorker(srv *ManagedServer, manager *Manager, interval time.Duration) *serverWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &serverWorker{
		srv:      srv,
		manager:  manager,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (w *serverWorker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop halts the worker and waits for it to finish. The connection is left
// as is.
func (w *serverWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *serverWorker) loop() {
	defer w.wg.Done()

	w.tick()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick reconnects an enabled server that is down and checks a connected one.
func (w *serverWorker) tick() {
	srv := w.srv
	if !srv.IsEnabled() {
		return
	}

	switch srv.GetStatus() {
	case StatusConnecting:
		return
	case StatusConnected:
		w.checkLiveness()
	default:
		if err := w.manager.connectServer(w.ctx, srv); err != nil {
			logging.DebugLog("tagman", "%s: reconnect in %v: %v", srv.Name(), w.interval, err)
		}
	}
}

// checkLiveness reads the server state; a failed read tears the session down so the
// next tick reconnects.
func (w *serverWorker) checkLiveness() {
	srv := w.srv
	ctx, cancel := context.WithTimeout(w.ctx, srv.Client.Config().RequestTimeout)
	defer cancel()

	_, err := srv.Client.ReadTag(ctx, uaclient.Tag{NodeID: serverStateNode, Name: "ServerState"})
	if err == nil || w.ctx.Err() != nil {
		return
	}

	logging.DebugError("tagman", srv.Name()+" liveness", err)
	w.manager.logf("Server %s lost: %v", srv.Name(), err)
	w.manager.teardown(srv, err)
}
