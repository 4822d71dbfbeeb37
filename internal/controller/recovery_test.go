package controller_test

// ============================================================================
// 端到端恢復測試：真實持久層上的「停機 -> 重開 -> 繼續執行」
// ============================================================================

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-sync/internal/constraint"
	"github.com/ChuLiYu/beaver-sync/internal/controller"
	"github.com/ChuLiYu/beaver-sync/internal/job"
	"github.com/ChuLiYu/beaver-sync/internal/jobstorage"
	"github.com/ChuLiYu/beaver-sync/internal/storage/filestore"
	"github.com/ChuLiYu/beaver-sync/internal/storage/sqlstore"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

type backend struct {
	name string
	open func(t testing.TB, dir string) jobstorage.Durable
}

var backends = []backend{
	{"filestore", func(t testing.TB, dir string) jobstorage.Durable {
		s, err := filestore.Open(filestore.Config{Dir: dir, CompactEvery: 40}, nil)
		require.NoError(t, err)
		return s
	}},
	{"sqlite", func(t testing.TB, dir string) jobstorage.Durable {
		s, err := sqlstore.Open("sqlite3", filepath.Join(dir, "jobs.db"))
		require.NoError(t, err)
		return s
	}},
}

// runLog 記錄每個佇列的執行順序
type runLog struct {
	mu    sync.Mutex
	order map[string][]string
	total int
}

func (l *runLog) record(spec types.JobSpec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order[spec.EffectiveQueue()] = append(l.order[spec.EffectiveQueue()], string(spec.SerializedData))
	l.total++
}

func (l *runLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

type node struct {
	ctrl    *controller.Controller
	storage *jobstorage.JobStorage
	durable jobstorage.Durable
	network *constraint.Flag
}

func startNode(t testing.TB, durable jobstorage.Durable, network bool, log *runLog) *node {
	t.Helper()
	jobs := job.NewRegistry()
	jobs.MustRegister("Record", func(spec types.JobSpec) (job.Job, error) {
		return job.RunFunc{Fn: func(ctx context.Context, in job.Input) job.Result {
			log.record(in.Spec)
			return job.Success(nil)
		}}, nil
	})
	constraints, flags := constraint.NewDefaultRegistry()
	flags[constraint.Network].Set(network)

	storage := jobstorage.New(durable)
	ctrl, err := controller.New(controller.Config{
		WorkerCount:  8,
		PollInterval: 5 * time.Millisecond,
	}, storage, jobs, constraints)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	return &node{ctrl: ctrl, storage: storage, durable: durable, network: flags[constraint.Network]}
}

func (n *node) shutdown(t testing.TB) {
	t.Helper()
	n.ctrl.Stop()
	require.NoError(t, n.durable.Close())
}

func TestCrashRecoveryEndToEnd(t *testing.T) {
	const queues, perQueue = 5, 10

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			log := &runLog{order: make(map[string][]string)}

			// 第一次啟動：網路條件不成立，所有任務都停在 pending
			first := startNode(t, b.open(t, dir), false, log)
			params := job.NewParameters().WithConstraints(constraint.Network)
			for i := 0; i < perQueue; i++ {
				for q := 0; q < queues; q++ {
					_, err := first.ctrl.Enqueue(ctx, controller.Request{
						FactoryKey: "Record",
						Data:       []byte(fmt.Sprintf("%02d", i)),
						Params:     params.WithQueue(fmt.Sprintf("q%d", q)),
					})
					require.NoError(t, err)
				}
			}
			_, err := first.ctrl.NewChain(
				controller.Request{FactoryKey: "Record", Data: []byte("a"), Params: params.WithQueue("chain")},
			).Then(
				controller.Request{FactoryKey: "Record", Data: []byte("b"), Params: params.WithQueue("chain")},
			).Enqueue(ctx)
			require.NoError(t, err)
			_, err = first.ctrl.Enqueue(ctx, controller.Request{
				FactoryKey: "Record", Data: []byte("volatile"), Params: params.WithMemoryOnly(),
			})
			require.NoError(t, err)

			time.Sleep(30 * time.Millisecond)
			assert.Zero(t, log.count())
			first.shutdown(t)

			// 第二次啟動：記憶體任務消失，其餘全部恢復並執行
			second := startNode(t, b.open(t, dir), true, log)
			defer second.shutdown(t)

			stats := second.storage.Stats()
			want := queues*perQueue + 2
			assert.LessOrEqual(t, stats.Total, want)
			assert.Zero(t, stats.MemoryOnly)

			require.Eventually(t, func() bool { return second.storage.Stats().Total == 0 },
				5*time.Second, 10*time.Millisecond)
			assert.Equal(t, want, log.count())

			for q := 0; q < queues; q++ {
				order := log.order[fmt.Sprintf("q%d", q)]
				require.Len(t, order, perQueue)
				for i, got := range order {
					assert.Equal(t, fmt.Sprintf("%02d", i), got, "queue q%d ran out of order", q)
				}
			}
			assert.Equal(t, []string{"a", "b"}, log.order["chain"])
		})
	}
}

// TestRecoveryTime 500 個任務的載入時間需低於 3 秒
func TestRecoveryTime(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping recovery timing in short mode")
	}
	ctx := context.Background()
	dir := t.TempDir()
	log := &runLog{order: make(map[string][]string)}

	first := startNode(t, backends[0].open(t, dir), false, log)
	params := job.NewParameters().WithConstraints(constraint.Network)
	for i := 0; i < 500; i++ {
		_, err := first.ctrl.Enqueue(ctx, controller.Request{FactoryKey: "Record", Params: params})
		require.NoError(t, err)
	}
	first.shutdown(t)

	start := time.Now()
	durable := backends[0].open(t, dir)
	storage := jobstorage.New(durable)
	require.NoError(t, storage.Init(ctx))
	elapsed := time.Since(start)
	require.NoError(t, durable.Close())

	assert.Equal(t, 500, storage.Stats().Total)
	assert.Less(t, elapsed, 3*time.Second)
	t.Logf("recovered 500 jobs in %v", elapsed)
}

func BenchmarkThroughput(b *testing.B) {
	log := &runLog{order: make(map[string][]string)}
	n := startNode(b, backends[0].open(b, b.TempDir()), true, log)
	defer n.shutdown(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := n.ctrl.Enqueue(ctx, controller.Request{FactoryKey: "Record", Params: job.NewParameters()}); err != nil {
			b.Fatal(err)
		}
	}
	for log.count() < b.N {
		time.Sleep(time.Millisecond)
	}
	b.StopTimer()
}
