package leader_test

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/k3s"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/jensholdgaard/auctionhouse/internal/config"
	"github.com/jensholdgaard/auctionhouse/internal/leader"
)

func newK3sClient(t *testing.T, ctx context.Context) kubernetes.Interface {
	t.Helper()

	ctr, err := k3s.Run(ctx, "rancher/k3s:v1.31.6-k3s1")
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting k3s container: %v", err)
	}

	kubeConfig, err := ctr.GetKubeConfig(ctx)
	if err != nil {
		t.Fatalf("getting kubeconfig: %v", err)
	}
	restCfg, err := clientcmd.RESTConfigFromKubeConfig(kubeConfig)
	if err != nil {
		t.Fatalf("building rest config: %v", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		t.Fatalf("creating kubernetes client: %v", err)
	}
	return client
}

// TestGate_K3s runs two replicas against a real Lease and checks that the
// settlement work only ever runs on one of them at a time.
func TestGate_K3s(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping k3s integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client := newK3sClient(t, ctx)
	orig := leader.ClientFactory
	leader.ClientFactory = func() (kubernetes.Interface, error) { return client, nil }
	t.Cleanup(func() { leader.ClientFactory = orig })

	base := config.LeaderElectionConfig{
		Enabled:        true,
		LeaseName:      "auctionhouse-test-settlement",
		LeaseNamespace: "default",
		LeaseDuration:  5 * time.Second,
		RenewDeadline:  3 * time.Second,
		RetryPeriod:    time.Second,
	}

	var (
		active  atomic.Int32
		overlap atomic.Bool
		ran     atomic.Int32
	)
	work := func(ctx context.Context) {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}
		ran.Add(1)
		<-ctx.Done()
		active.Add(-1)
	}

	replicaCtx, stopReplicas := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, id := range []string{"replica-a", "replica-b"} {
		cfg := base
		cfg.Identity = id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := leader.Gate(replicaCtx, cfg, slog.Default(), work); err != nil {
				t.Errorf("Gate(%s) error = %v", id, err)
			}
		}()
	}

	deadline := time.After(30 * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for ran.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a leader")
		case <-ticker.C:
		}
	}

	lease, err := client.CoordinationV1().Leases(base.LeaseNamespace).Get(ctx, base.LeaseName, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("getting lease: %v", err)
	}
	holder := ""
	if lease.Spec.HolderIdentity != nil {
		holder = *lease.Spec.HolderIdentity
	}
	if holder != "replica-a" && holder != "replica-b" {
		t.Errorf("lease holder = %q, want one of the replicas", holder)
	}

	// Let the follower retry a few times while the leader renews.
	time.Sleep(3 * base.RetryPeriod)
	if overlap.Load() {
		t.Error("work ran on both replicas at once")
	}
	if got := ran.Load(); got != 1 {
		t.Errorf("work started %d times, want 1", got)
	}

	stopReplicas()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for replicas to stop")
	}
}
