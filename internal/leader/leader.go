// Package leader provides Kubernetes Lease-based leader election so that
// only one replica runs the settlement dispatcher. Every replica keeps
// serving the API.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/jensholdgaard/auctionhouse/internal/config"
)

// identity names this replica in the lease: the configured identity, then
// POD_NAME, then the hostname.
func identity(cfg config.LeaderElectionConfig) string {
	if cfg.Identity != "" {
		return cfg.Identity
	}
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// ClientFactory creates a Kubernetes clientset.
// Extracted as a variable for testing.
var ClientFactory = func() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("building in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return client, nil
}

// Run takes part in one election term. onStartedLeading is invoked when this
// instance becomes the leader and should block until ctx is done;
// onStoppedLeading runs when leadership is lost. Run returns once the lease
// is lost or ctx is done, and fails early on an invalid configuration.
func Run(ctx context.Context, cfg config.LeaderElectionConfig, logger *slog.Logger, onStartedLeading func(ctx context.Context), onStoppedLeading func()) error {
	id := identity(cfg)
	logger = logger.With(
		slog.String("identity", id),
		slog.String("lease", cfg.LeaseNamespace+"/"+cfg.LeaseName),
	)

	client, err := ClientFactory()
	if err != nil {
		return fmt.Errorf("leader election client: %w", err)
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock: &resourcelock.LeaseLock{
			LeaseMeta: metav1.ObjectMeta{
				Name:      cfg.LeaseName,
				Namespace: cfg.LeaseNamespace,
			},
			Client:     client.CoordinationV1(),
			LockConfig: resourcelock.ResourceLockConfig{Identity: id},
		},
		Name:            cfg.LeaseName,
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				logger.InfoContext(ctx, "acquired leadership")
				onStartedLeading(ctx)
			},
			OnStoppedLeading: func() {
				logger.Info("lost leadership")
				onStoppedLeading()
			},
			OnNewLeader: func(newID string) {
				if newID != id {
					logger.Info("following leader", slog.String("leader", newID))
				}
			},
		},
	})
	if err != nil {
		return fmt.Errorf("configuring leader election: %w", err)
	}

	logger.InfoContext(ctx, "campaigning for leadership")
	elector.Run(ctx)
	return nil
}

// Gate runs work on exactly one replica. With election disabled work runs
// directly. Otherwise work runs while this instance leads, and after losing
// the lease the instance waits one retry period and campaigns again, until
// ctx is done.
func Gate(ctx context.Context, cfg config.LeaderElectionConfig, logger *slog.Logger, work func(ctx context.Context)) error {
	if !cfg.Enabled {
		work(ctx)
		return nil
	}
	for {
		if err := Run(ctx, cfg, logger, work, func() {}); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.RetryPeriod):
		}
	}
}
