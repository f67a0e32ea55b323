package querynode

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/weaveworks/common/server"

	util_log "github.com/cortexproject/querynode/pkg/util/log"
	"github.com/cortexproject/querynode/pkg/util/services"
)

// NewServerService constructs service from Server component. The server is
// expected to run until the service is stopped; stopping on its own is a failure.
func NewServerService(serv *server.Server) services.Service {
	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- serv.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				level.Error(util_log.Logger).Log("msg", "server failed", "err", err)
				return err
			}
			return errors.New("server stopped unexpectedly")
		}
	}

	stoppingFn := func(_ error) error {
		// shutdown HTTP and gRPC servers (this also unblocks Run)
		serv.Shutdown()

		// if not closed yet, wait until server stops.
		<-serverDone
		level.Info(util_log.Logger).Log("msg", "server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn)
}
